package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnemon-ai/mnemon/internal/config"
	"github.com/mnemon-ai/mnemon/internal/queue"
	"github.com/mnemon-ai/mnemon/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mnemon-ai/mnemon/pkg/ai"
	oai "github.com/mnemon-ai/mnemon/pkg/ai/ollama"
	gai "github.com/mnemon-ai/mnemon/pkg/ai/openai"
	"github.com/mnemon-ai/mnemon/pkg/anonymize"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/extract"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/logger/console"
	"github.com/mnemon-ai/mnemon/pkg/store"
	badgerstore "github.com/mnemon-ai/mnemon/pkg/store/badger"
	pgxstore "github.com/mnemon-ai/mnemon/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load(util.GetEnvString("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Fatal("Failed to load config", "err", err)
	}

	// AI client
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.Client

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
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = gai.NewMemoryOpenAIClient(gai.NewMemoryOpenAIClientParams{
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
	}

	// Storage backend. Migrations are the server's job; the worker
	// only connects.
	var storage store.MemoryStore
	switch backend := util.GetEnvString("STORE_BACKEND", "postgres"); backend {
	case "badger":
		badgerStore, err := badgerstore.NewMemoryBadgerStorage(badgerstore.Options{
			Path:       util.GetEnvString("BADGER_PATH", "data/mnemon"),
			SyncWrites: util.GetEnvBool("BADGER_SYNC_WRITES", false),
		})
		if err != nil {
			logger.Fatal("Failed to open badger store", "err", err)
		}
		storage = badgerStore
	case "postgres":
		pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
		if err != nil {
			logger.Fatal("Unable to connect to database", "err", err)
		}
		pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
		pgStore, err := pgxstore.NewMemoryDBStorageWithConnection(ctx, pgConn)
		if err != nil {
			logger.Fatal("Failed to open database store", "err", err)
		}
		storage = pgStore
	default:
		logger.Fatal("Unknown store backend", "backend", backend)
	}
	defer storage.Close()

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	queues := queue.Queues()
	if err := queue.SetupQueues(ch, queues); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	processor := buildProcessor(cfg, storage, aiClient, ch)

	logger.Info("Listening for messages", "node", cfg.Node.ID)

	// Single consumer channel with prefetch=1 so only one message is
	// in flight across all queues.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.QueueIngest:
					processingErr = processor.ProcessIngest(ctx, qm.msg.Body)
				case queue.QueueContribute:
					processingErr = processor.ProcessContribute(ctx, qm.msg.Body)
				}

				// Send to retry or dead-letter on error, otherwise ack
				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					queue.HandleFailure(consumerCh, qm.msg, qm.queueName)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				metrics := aiClient.GetMetrics()
				aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
				logger.Info(
					"AI Metrics",
					"input_tokens", metrics.InputTokens,
					"output_tokens", metrics.OutputTokens,
					"total_tokens", metrics.TotalTokens,
					"duration", formatDuration(aiDuration),
				)
				logger.Info(
					"Processing time",
					"duration", formatDuration(time.Since(startTime)),
				)
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

// buildProcessor assembles the extraction ensemble and, when
// federation is on, the anonymization pipeline and pattern pool the
// contribute stage feeds.
func buildProcessor(
	cfg *config.Config,
	storage store.MemoryStore,
	aiClient ai.Client,
	ch *amqp.Channel,
) *queue.Processor {
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

	extractors := make([]extract.Extractor, 0, len(cfg.Extraction.Enabled))
	for _, name := range cfg.Extraction.Enabled {
		switch name {
		case "pattern":
			extractors = append(extractors, extract.NewPatternExtractor(cfg.Extraction.Weights[name]))
		case "semantic":
			semantic, err := extract.NewSemanticExtractor(extract.NewSemanticExtractorParams{
				Weight:   cfg.Extraction.Weights[name],
				AI:       aiClient,
				Store:    storage,
				MinScore: cfg.Extraction.SemanticMinScore,
			})
			if err != nil {
				logger.Fatal("Failed to build semantic extractor", "err", err)
			}
			extractors = append(extractors, semantic)
		case "generative":
			generative, err := extract.NewGenerativeExtractor(extract.NewGenerativeExtractorParams{
				Weight: cfg.Extraction.Weights[name],
				AI:     aiClient,
			})
			if err != nil {
				logger.Fatal("Failed to build generative extractor", "err", err)
			}
			extractors = append(extractors, generative)
		default:
			logger.Warn("Skipping unknown extractor", "name", name)
		}
	}

	ensemble, err := extract.NewEnsemble(extract.NewEnsembleParams{
		Extractors:       extractors,
		Canonicalizer:    engine,
		Strategy:         extract.Strategy(cfg.Extraction.Strategy),
		VoteThreshold:    cfg.Extraction.VoteThreshold,
		ExtractorTimeout: cfg.Extraction.ExtractorTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to build extraction ensemble", "err", err)
	}

	gate, err := ledger.NewGate(ledger.NewGateParams{
		Tiers: ledger.StaticTiers(tenantTiers(cfg)),
	})
	if err != nil {
		logger.Fatal("Failed to build contribution gate", "err", err)
	}

	params := queue.NewProcessorParams{
		Channel:   ch,
		Ensemble:  ensemble,
		Graph:     engine,
		Gate:      gate,
		Tier:      common.PrivacyTier(cfg.Privacy.Tier),
		Federated: cfg.Federation.Enabled,
	}

	if cfg.Federation.Enabled {
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

		pipeline, err := anonymize.NewPipeline(anonymize.NewPipelineParams{
			NodeID:          cfg.Node.ID,
			Keys:            tenantKeys(cfg),
			AI:              aiClient,
			ShareConfidence: cfg.Privacy.ShareConfidence,
			DegradeFactor:   cfg.Privacy.DegradeFactor,
		})
		if err != nil {
			logger.Fatal("Failed to build anonymization pipeline", "err", err)
		}

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

		params.Ledger = led
		params.Pipeline = pipeline
		params.Pool = pool
	}

	processor, err := queue.NewProcessor(params)
	if err != nil {
		logger.Fatal("Failed to build processor", "err", err)
	}
	return processor
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

// tenantKeys resolves per-tenant hashing keys from the config. A
// missing key resolves with an error, which makes the pipeline fall
// back to unkeyed maximum-tier hashing.
func tenantKeys(cfg *config.Config) anonymize.KeyLookup {
	keys := make(map[string][]byte, len(cfg.Tenants))
	for _, tenant := range cfg.Tenants {
		if tenant.Key != "" {
			keys[tenant.ID] = []byte(tenant.Key)
		}
	}
	return func(_ context.Context, tenantID string) ([]byte, error) {
		key, ok := keys[tenantID]
		if !ok {
			return nil, fmt.Errorf("no key configured for tenant %s", tenantID)
		}
		return key, nil
	}
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
