package routes

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FederationSocketHandler upgrades a peer's connection and hands it to
// the gossip transport. The peer names itself with the node query
// parameter and may announce a dial-back address; the handshake that
// follows on the socket decides whether the peer is kept.
func FederationSocketHandler(c echo.Context) error {
	type socketResponse struct {
		Message string `json:"message"`
	}

	app := c.(*middleware.AppContext).App
	if app.Transport == nil || app.Registry == nil {
		return c.JSON(http.StatusServiceUnavailable, socketResponse{
			Message: "Federation is disabled on this node",
		})
	}

	peerID := c.QueryParam("node")
	if peerID == "" {
		return c.JSON(http.StatusBadRequest, socketResponse{
			Message: "Missing node parameter",
		})
	}

	ctx := c.Request().Context()
	if _, err := app.Registry.Discover(ctx, peerID, c.QueryParam("address")); err != nil {
		logger.Error("[Server] Peer discovery failed", "peer", peerID, "err", err)
		return c.JSON(http.StatusInternalServerError, socketResponse{
			Message: "Internal server error",
		})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("[Server] Socket upgrade failed", "peer", peerID, "err", err)
		return nil
	}

	if err := app.Transport.Attach(peerID, conn); err != nil {
		logger.Error("[Server] Failed to attach peer socket", "peer", peerID, "err", err)
		conn.Close()
		return nil
	}

	logger.Info("[Server] Peer connected", "peer", peerID)
	return nil
}
