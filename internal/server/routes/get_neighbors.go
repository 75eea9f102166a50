package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/store"
)

// GetNeighborsHandler lists the concepts linked to one concept, ranked
// by attention weight.
func GetNeighborsHandler(c echo.Context) error {
	type neighborData struct {
		Concept            common.Concept `json:"concept"`
		Weight             float64        `json:"weight"`
		ReinforcementCount int            `json:"reinforcement_count"`
		LastReinforced     time.Time      `json:"last_reinforced"`
	}

	type neighborsResponse struct {
		Message   string         `json:"message,omitempty"`
		Neighbors []neighborData `json:"neighbors,omitempty"`
	}

	conceptID := c.Param("id")
	tenantID := c.QueryParam("tenant_id")
	if conceptID == "" || tenantID == "" {
		return c.JSON(http.StatusBadRequest, neighborsResponse{
			Message: "Invalid request body",
		})
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, neighborsResponse{
				Message: "Invalid request body",
			})
		}
		limit = parsed
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	neighbors, err := app.Graph.Neighbors(ctx, tenantID, conceptID, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, neighborsResponse{
				Message: "Concept not found",
			})
		}
		logger.Error("[Server] Neighbor lookup failed", "concept", conceptID, "err", err)
		return c.JSON(http.StatusInternalServerError, neighborsResponse{
			Message: "Internal server error",
		})
	}

	data := make([]neighborData, 0, len(neighbors))
	for _, n := range neighbors {
		data = append(data, neighborData{
			Concept:            n.Concept,
			Weight:             n.Weight,
			ReinforcementCount: n.ReinforcementCount,
			LastReinforced:     n.LastReinforced,
		})
	}

	return c.JSON(http.StatusOK, neighborsResponse{
		Neighbors: data,
	})
}
