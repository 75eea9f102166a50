package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/mnemon-ai/mnemon/internal/config"
	"github.com/mnemon-ai/mnemon/pkg/federation"
	"github.com/mnemon-ai/mnemon/pkg/graph"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/query"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// App bundles the long-lived dependencies every handler reaches for.
// It is built once at startup; Registry and Transport stay nil when
// federation is disabled.
type App struct {
	Config    *config.Config
	Store     store.MemoryStore
	Queue     *amqp091.Channel
	Graph     *graph.Engine
	Recall    *query.Service
	Gate      *ledger.Gate
	Ledger    *ledger.Ledger
	Registry  *federation.Registry
	Transport *federation.WSTransport
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
