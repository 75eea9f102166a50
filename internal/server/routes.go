package server

import (
	"github.com/mnemon-ai/mnemon/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Memory routes
	apiRoutes.POST("/ingest", routes.IngestHandler)
	apiRoutes.POST("/recall", routes.RecallHandler)
	apiRoutes.GET("/concepts/:id/neighbors", routes.GetNeighborsHandler)

	// Federation routes
	apiRoutes.GET("/federation/peers", routes.FederationPeersHandler)
	apiRoutes.GET("/federation/credits", routes.FederationCreditsHandler)

	// Peer gossip socket, outside the API group
	e.GET("/federation/ws", routes.FederationSocketHandler)
}
