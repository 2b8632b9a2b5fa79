package handler

import (
	"context"
	"net/http"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxIngestBatch = 1000

// EventHandler is the server side of the HTTP event sink.
type EventHandler struct {
	sink   datastore.EventSink
	logger *zap.Logger
}

func NewEventHandler(sink datastore.EventSink, logger *zap.Logger) *EventHandler {
	return &EventHandler{sink: sink, logger: logger}
}

func (h *EventHandler) InsertBatch(c *gin.Context) {
	var req models.BatchEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch is empty"})
		return
	}
	if len(req.Events) > maxIngestBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	if err := h.sink.InsertEventsBatch(ctx, req.Events); err != nil {
		h.logger.Error("Failed to insert event batch",
			zap.String("installation_id", req.InstallationID),
			zap.Int("events", len(req.Events)),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to record events"})
		return
	}

	h.logger.Debug("Event batch ingested",
		zap.String("installation_id", req.InstallationID),
		zap.Int("events", len(req.Events)),
	)
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Events)})
}
