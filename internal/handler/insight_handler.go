package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/insights"
	"Mansoor88-6/analytics-telemetry/internal/middleware"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type InsightService interface {
	Get(ctx context.Context, id string) (*models.Insight, error)
	List(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error)
	Transition(ctx context.Context, id string, to models.InsightStatus) (*models.Insight, error)
}

type InsightGenerator interface {
	GenerateInsights(ctx context.Context, lookback time.Duration) (*insights.Report, error)
}

type InsightHandler struct {
	service   InsightService
	generator InsightGenerator
	logger    *zap.Logger
}

func NewInsightHandler(service InsightService, generator InsightGenerator, logger *zap.Logger) *InsightHandler {
	return &InsightHandler{
		service:   service,
		generator: generator,
		logger:    logger,
	}
}

func (h *InsightHandler) ListInsights(c *gin.Context) {
	filter := models.InsightFilter{
		Status:   models.InsightStatus(c.Query("status")),
		Type:     models.InsightType(c.Query("type")),
		Category: c.Query("category"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, h.logger, "failed to list insights", err)
		return
	}
	if list == nil {
		list = []models.Insight{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *InsightHandler) GetInsight(c *gin.Context) {
	insight, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to get insight", err)
		return
	}
	c.JSON(http.StatusOK, insight)
}

// Transition returns a handler moving the insight in the path to status to.
func (h *InsightHandler) Transition(to models.InsightStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		insight, err := h.service.Transition(c.Request.Context(), id, to)
		if err != nil {
			writeError(c, h.logger, "failed to update insight", err)
			return
		}

		fields := []zap.Field{zap.String("id", id), zap.String("status", string(to))}
		if claims, ok := middleware.ClaimsFrom(c); ok {
			fields = append(fields, zap.String("operator", claims.Subject))
		}
		h.logger.Info("Insight transitioned by operator", fields...)
		c.JSON(http.StatusOK, insight)
	}
}

type generateRequest struct {
	Lookback string `json:"lookback"`
}

func (h *InsightHandler) Generate(c *gin.Context) {
	var req generateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	var lookback time.Duration
	if req.Lookback != "" {
		d, err := time.ParseDuration(req.Lookback)
		if err != nil || d <= 0 {
			writeError(c, h.logger, "invalid lookback", errs.Validation("lookback", "must be a positive duration"))
			return
		}
		lookback = d
	}

	report, err := h.generator.GenerateInsights(c.Request.Context(), lookback)
	if err != nil {
		writeError(c, h.logger, "failed to generate insights", err)
		return
	}

	ruleErrors := make([]string, 0, len(report.RuleErrors))
	for _, re := range report.RuleErrors {
		ruleErrors = append(ruleErrors, re.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"created":    report.Created,
		"updated":    report.Updated,
		"failed":     report.Failed,
		"insights":   report.Insights,
		"ruleErrors": ruleErrors,
	})
}
