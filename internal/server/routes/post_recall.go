package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/pkg/common"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/query"
)

// RecallHandler answers a tenant query from the local graph and, when
// requested, the federated pattern pool. A federated recall that could
// not reach its peers still returns the local answer with the degraded
// flag set.
func RecallHandler(c echo.Context) error {
	type recallBody struct {
		TenantID  string `json:"tenant_id" validate:"required"`
		Query     string `json:"query" validate:"required"`
		Limit     int    `json:"limit" validate:"gte=0,lte=100"`
		Federated bool   `json:"federated"`
	}

	type recallResponse struct {
		Message  string                     `json:"message,omitempty"`
		Concepts []query.RecalledConcept    `json:"concepts"`
		Patterns []common.FederationPattern `json:"patterns,omitempty"`
		Degraded bool                       `json:"degraded"`
	}

	data := new(recallBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, recallResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, recallResponse{
			Message: "Invalid request body",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	result, err := app.Recall.Recall(ctx, query.RecallRequest{
		TenantID:  data.TenantID,
		Query:     data.Query,
		Limit:     data.Limit,
		Federated: data.Federated,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrCreditExhausted) {
			return c.JSON(http.StatusPaymentRequired, recallResponse{
				Message: "Contribution credits exhausted",
			})
		}
		logger.Error("[Server] Recall failed", "tenant", data.TenantID, "err", err)
		return c.JSON(http.StatusInternalServerError, recallResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, recallResponse{
		Concepts: result.Concepts,
		Patterns: result.Patterns,
		Degraded: result.Degraded,
	})
}
