package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnemon-ai/mnemon/internal/config"
	"github.com/mnemon-ai/mnemon/internal/queue"
	mid "github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/internal/snapshot"
	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/ai"
	oai "github.com/mnemon-ai/mnemon/pkg/ai/ollama"
	gai "github.com/mnemon-ai/mnemon/pkg/ai/openai"
	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/leaselock"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/query"
	"github.com/mnemon-ai/mnemon/pkg/store"
	badgerstore "github.com/mnemon-ai/mnemon/pkg/store/badger"
	pgxstore "github.com/mnemon-ai/mnemon/pkg/store/pgx"

	"github.com/go-playground/validator"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(util.GetEnvString("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Fatal("Failed to load config", "err", err)
	}

	storage, pgPool := openStore(ctx)
	defer storage.Close()

	aiClient := newAIClient()

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, queue.Queues()); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	engine, err := graph.NewEngine(graph.NewEngineParams{
		Store: storage,
		Config: graph.Config{
			HebbianRate:       cfg.Graph.HebbianRate,
			WeakFactor:        cfg.Graph.WeakFactor,
			DecayFactor:       cfg.Graph.DecayFactor,
			MinLinkStrength:   cfg.Graph.MinLinkStrength,
			CompoundThreshold: cfg.Graph.CompoundThreshold,
			CompoundMaxLen:    cfg.Graph.CompoundMaxLen,
			CompoundWindow:    cfg.Graph.CompoundWindow,
		},
	})
	if err != nil {
		logger.Fatal("Failed to build graph engine", "err", err)
	}

	gate, err := ledger.NewGate(ledger.NewGateParams{
		Tiers: ledger.StaticTiers(tenantTiers(cfg)),
	})
	if err != nil {
		logger.Fatal("Failed to build contribution gate", "err", err)
	}

	led, err := ledger.NewLedger(ledger.NewLedgerParams{
		Store:            storage,
		NodeID:           cfg.Node.ID,
		PeriodGrant:      cfg.Credits.InitialGrant,
		QueryCost:        cfg.Credits.QueryCost,
		ContributionGain: cfg.Credits.ContributionGain,
	})
	if err != nil {
		logger.Fatal("Failed to build credit ledger", "err", err)
	}

	var (
		registry  *federation.Registry
		transport *federation.WSTransport
		gossiper  *federation.Gossiper
	)
	if cfg.Federation.Enabled {
		registry, transport, gossiper = initFederation(ctx, cfg, storage, led)
		defer transport.Close()

		go func() {
			if err := gossiper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("[Federation] Gossip stopped", "err", err)
			}
		}()
	}

	recallParams := query.NewServiceParams{
		Store:             storage,
		Graph:             engine,
		AI:                aiClient,
		Ledger:            led,
		Consistency:       cfg.Federation.ConsistencyLevel,
		QuorumSize:        cfg.Federation.QuorumSize,
		FederationTimeout: cfg.Federation.QueryTimeout,
	}
	if gossiper != nil {
		recallParams.Peers = gossiper
	}
	recall, err := query.NewService(recallParams)
	if err != nil {
		logger.Fatal("Failed to build recall service", "err", err)
	}

	var lease *leaselock.Client
	if pgPool != nil {
		lease = leaselock.New(pgPool, cfg.Node.ID)
	}
	sweeper, err := graph.NewScheduler(graph.NewSchedulerParams{
		Engine:   engine,
		Interval: cfg.Graph.DecayInterval,
		Lease:    lease,
	})
	if err != nil {
		logger.Fatal("Failed to build decay scheduler", "err", err)
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("[Graph] Decay scheduler stopped", "err", err)
		}
	}()

	app := &mid.App{
		Config:    cfg,
		Store:     storage,
		Queue:     ch,
		Graph:     engine,
		Recall:    recall,
		Gate:      gate,
		Ledger:    led,
		Registry:  registry,
		Transport: transport,
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port, "node", cfg.Node.ID)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// openStore opens the configured storage backend. The returned pool is
// nil unless the backend is Postgres; the decay scheduler uses it for the
// cross-node sweep lease.
func openStore(ctx context.Context) (store.MemoryStore, *pgxpool.Pool) {
	backend := util.GetEnvString("STORE_BACKEND", "postgres")

	switch backend {
	case "badger":
		storage, err := badgerstore.NewMemoryBadgerStorage(badgerstore.Options{
			Path:       util.GetEnvString("BADGER_PATH", "data/mnemon"),
			SyncWrites: util.GetEnvBool("BADGER_SYNC_WRITES", false),
		})
		if err != nil {
			logger.Fatal("Failed to open badger store", "err", err)
		}
		return storage, nil
	case "postgres":
		dbURL := util.GetEnv("DATABASE_URL")

		m, err := migrate.New(
			"file://"+util.GetEnvString("MIGRATIONS_PATH", "migrations"),
			dbURL,
		)
		if err != nil {
			logger.Fatal("Failed to init migrations", "err", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("Failed to run migrations", "err", err)
		}
		m.Close()

		conn, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", "err", err)
		}
		conn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}

		storage, err := pgxstore.NewMemoryDBStorageWithConnection(ctx, conn)
		if err != nil {
			logger.Fatal("Failed to open database store", "err", err)
		}
		return storage, conn
	default:
		logger.Fatal("Unknown store backend", "backend", backend)
		return nil, nil
	}
}

func newAIClient() ai.Client {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewMemoryOllamaClient(oai.NewMemoryOllamaClientParams{
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewMemoryOpenAIClient(gai.NewMemoryOpenAIClientParams{
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
	}
}

// tenantTiers folds the configured tenants into the gate's lookup
// table. Free stays free; standard and premium both count as paid.
func tenantTiers(cfg *config.Config) map[string]ledger.Tier {
	tiers := make(map[string]ledger.Tier, len(cfg.Tenants))
	for _, tenant := range cfg.Tenants {
		switch tenant.Tier {
		case "free":
			tiers[tenant.ID] = ledger.TierFree
		default:
			tiers[tenant.ID] = ledger.TierPaid
		}
	}
	return tiers
}

// initFederation wires the gossip mesh: the anonymity gate and noise
// source feed the pattern pool, the registry tracks peers, and the
// websocket transport carries the messages. Seeds from the config are
// recorded as discovered so the first sync round can handshake them.
// When an archive bucket is configured the pool is restored from the
// latest snapshot and exported periodically.
func initFederation(
	ctx context.Context,
	cfg *config.Config,
	storage store.MemoryStore,
	led *ledger.Ledger,
) (*federation.Registry, *federation.WSTransport, *federation.Gossiper) {
	kgate, err := anonymize.NewKGate(anonymize.NewKGateParams{
		Store: storage,
		K:     cfg.Privacy.KThreshold,
	})
	if err != nil {
		logger.Fatal("Failed to build k-anonymity gate", "err", err)
	}
	noise, err := anonymize.NewNoise(anonymize.NewNoiseParams{
		Epsilon: cfg.Privacy.Epsilon,
		K:       cfg.Privacy.KThreshold,
	})
	if err != nil {
		logger.Fatal("Failed to build noise source", "err", err)
	}

	pool, err := federation.NewPool(federation.NewPoolParams{
		Store:        storage,
		Gate:         kgate,
		Noise:        noise,
		MinConsensus: cfg.Federation.MinConsensus,
		PatternTTL:   cfg.Privacy.PatternTTL,
	})
	if err != nil {
		logger.Fatal("Failed to build pattern pool", "err", err)
	}

	registry, err := federation.NewRegistry(federation.NewRegistryParams{
		Store:        storage,
		SuspectAfter: cfg.Federation.SuspectAfter,
		RemoveGrace:  cfg.Federation.RemoveGrace,
	})
	if err != nil {
		logger.Fatal("Failed to build peer registry", "err", err)
	}

	handshaker, err := federation.NewHandshaker(federation.NewHandshakerParams{
		Registry: registry,
	})
	if err != nil {
		logger.Fatal("Failed to build handshaker", "err", err)
	}

	transport, err := federation.NewWSTransport(federation.NewWSTransportParams{
		NodeID: cfg.Node.ID,
		Resolve: func(ctx context.Context, peerID string) (string, error) {
			peer, err := registry.Get(ctx, peerID)
			if err != nil {
				return "", err
			}
			return peer.Address, nil
		},
	})
	if err != nil {
		logger.Fatal("Failed to build transport", "err", err)
	}

	gossiper, err := federation.NewGossiper(federation.NewGossiperParams{
		Registry:   registry,
		Handshaker: handshaker,
		Pool:       pool,
		Ledger:     led,
		Transport:  transport,
		Self: federation.Sender{
			NodeID:  cfg.Node.ID,
			Address: cfg.Node.Address,
		},
		HeartbeatInterval: cfg.Federation.HeartbeatInterval,
		SyncInterval:      cfg.Federation.SyncInterval,
		Fanout:            cfg.Federation.Fanout,
		PeerTimeout:       cfg.Federation.QueryTimeout,
		MessageRate:       cfg.Federation.PeerRateLimit,
		MessageBurst:      cfg.Federation.PeerRateBurst,
	})
	if err != nil {
		logger.Fatal("Failed to build gossiper", "err", err)
	}

	for _, seed := range cfg.Federation.Seeds {
		nodeID, address, ok := strings.Cut(seed, "@")
		if !ok || nodeID == "" || address == "" {
			logger.Warn("[Federation] Skipping malformed seed", "seed", seed)
			continue
		}
		if nodeID == cfg.Node.ID {
			continue
		}
		if _, err := registry.Discover(ctx, nodeID, address); err != nil {
			logger.Warn("[Federation] Failed to record seed", "seed", seed, "err", err)
		}
	}

	if bucket := util.GetEnv("AWS_BUCKET"); bucket != "" {
		initSnapshots(ctx, cfg, pool, bucket)
	}

	return registry, transport, gossiper
}

func initSnapshots(ctx context.Context, cfg *config.Config, pool *federation.Pool, bucket string) {
	client, err := snapshot.NewClient(ctx)
	if err != nil {
		logger.Fatal("Failed to create S3 client", "err", err)
	}
	archives, err := snapshot.NewStore(snapshot.NewStoreParams{
		Client: client,
		Bucket: bucket,
		Prefix: util.GetEnv("SNAPSHOT_PREFIX"),
	})
	if err != nil {
		logger.Fatal("Failed to build snapshot store", "err", err)
	}
	exporter, err := snapshot.NewExporter(snapshot.NewExporterParams{
		Pool:     pool,
		Archives: archives,
		NodeID:   cfg.Node.ID,
		Interval: util.GetEnvDuration("SNAPSHOT_INTERVAL", 0),
	})
	if err != nil {
		logger.Fatal("Failed to build snapshot exporter", "err", err)
	}

	// A failed restore is not fatal: the node starts cold and fills
	// back up through gossip.
	if _, err := exporter.Bootstrap(ctx); err != nil {
		logger.Warn("[Snapshot] Bootstrap failed", "err", err)
	}

	go func() {
		if err := exporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("[Snapshot] Exporter stopped", "err", err)
		}
	}()
}

