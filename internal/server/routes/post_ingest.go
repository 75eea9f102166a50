package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/mnemon-ai/mnemon/internal/queue"
	"github.com/mnemon-ai/mnemon/internal/server/middleware"
	"github.com/mnemon-ai/mnemon/pkg/ledger"
	"github.com/mnemon-ai/mnemon/pkg/logger"
)

// IngestHandler accepts a raw tenant message and queues it for the
// worker. The contribution gate runs here so callers learn about a
// forbidden opt-out before the message is accepted, not from a silent
// queue drop later.
func IngestHandler(c echo.Context) error {
	type ingestBody struct {
		TenantID      string `json:"tenant_id" validate:"required"`
		Message       string `json:"message" validate:"required"`
		OptOut        bool   `json:"opt_out"`
		CorrelationID string `json:"correlation_id"`
	}

	type ingestResponse struct {
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	data := new(ingestBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{
			Message: "Invalid request body",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	if _, err := app.Gate.Decide(ctx, data.TenantID, data.OptOut); err != nil {
		if errors.Is(err, ledger.ErrContributionRequired) {
			return c.JSON(http.StatusForbidden, ingestResponse{
				Message: "Free tier writes must contribute",
			})
		}
		logger.Error("[Server] Contribution gate failed", "tenant", data.TenantID, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestResponse{
			Message: "Internal server error",
		})
	}

	correlationID := data.CorrelationID
	if correlationID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ingestResponse{
				Message: "Internal server error",
			})
		}
		correlationID = id
	}

	job := queue.IngestJob{
		TenantID:      data.TenantID,
		Message:       data.Message,
		OptOut:        data.OptOut,
		CorrelationID: correlationID,
		ReceivedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ingestResponse{
			Message: "Internal server error",
		})
	}

	if err := queue.PublishFIFO(app.Queue, queue.QueueIngest, payload); err != nil {
		logger.Error("[Server] Failed to publish ingest job", "tenant", data.TenantID, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, ingestResponse{
		Message:       "Message queued for ingestion",
		CorrelationID: correlationID,
	})
}
