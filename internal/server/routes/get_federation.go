package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// FederationPeersHandler lists every peer this node knows, including
// suspected and removed ones. On a node with federation disabled the
// list is empty rather than an error.
func FederationPeersHandler(c echo.Context) error {
	type peersResponse struct {
		Message string            `json:"message,omitempty"`
		Peers   []common.PeerNode `json:"peers"`
	}

	app := c.(*middleware.AppContext).App
	if app.Registry == nil {
		return c.JSON(http.StatusOK, peersResponse{
			Peers: []common.PeerNode{},
		})
	}

	peers, err := app.Registry.List(c.Request().Context())
	if err != nil {
		logger.Error("[Server] Peer listing failed", "err", err)
		return c.JSON(http.StatusInternalServerError, peersResponse{
			Message: "Internal server error",
		})
	}
	if peers == nil {
		peers = []common.PeerNode{}
	}

	return c.JSON(http.StatusOK, peersResponse{
		Peers: peers,
	})
}

// FederationCreditsHandler reports this node's contribution credit
// balance for the current period.
func FederationCreditsHandler(c echo.Context) error {
	type creditsResponse struct {
		Message string                     `json:"message,omitempty"`
		Credits *common.ContributionCredit `json:"credits,omitempty"`
	}

	app := c.(*middleware.AppContext).App

	credits, err := app.Ledger.Balance(c.Request().Context())
	if err != nil {
		logger.Error("[Server] Credit balance lookup failed", "err", err)
		return c.JSON(http.StatusInternalServerError, creditsResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, creditsResponse{
		Credits: &credits,
	})
}
