package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// APIClient delivers event batches to the ingest endpoint of the insight
// engine (or any backend speaking the same batch API).
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewAPIClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// InsertEventsBatch posts the batch. Rejections of the payload (400, 422)
// come back as *errs.ValidationError; every other failure is an
// *errs.NetworkError and safe to retry.
func (c *APIClient) InsertEventsBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := models.BatchEventRequest{
		Events:         events,
		InstallationID: events[0].InstallationID,
		BatchTimestamp: time.Now().UnixMilli(),
	}

	jsonData, err := json.Marshal(batch)
	if err != nil {
		return errs.Validation("events", "failed to marshal batch: "+err.Error())
	}

	url := fmt.Sprintf("%s/api/v1/events/batch", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return errs.Network("create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Failed to send batch",
			zap.Error(err),
			zap.Int("event_count", len(events)),
			zap.Duration("duration", duration),
		)
		return errs.Network("send batch", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("Batch sent",
			zap.Int("event_count", len(events)),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", duration),
		)
		return nil
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		c.logger.Warn("Batch rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)),
		)
		return errs.Validation("batch", fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, body))
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.Error("Authentication failed",
			zap.Int("status_code", resp.StatusCode),
		)
	case http.StatusTooManyRequests:
		c.logger.Warn("Rate limited",
			zap.Int("status_code", resp.StatusCode),
		)
	default:
		c.logger.Warn("Backend error",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)),
		)
	}

	return &errs.NetworkError{
		Op:         "send batch",
		StatusCode: resp.StatusCode,
		Err:        errors.New(http.StatusText(resp.StatusCode)),
	}
}

// HealthCheck checks if the backend is reachable.
func (c *APIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Network("health check", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errs.NetworkError{Op: "health check", StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}
	return nil
}
