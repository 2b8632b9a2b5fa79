package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/tracker"

	"go.uber.org/zap"
)

type Tracking interface {
	Track(eventType models.EventType, category, name string, opts ...tracker.Option)
	TrackPageView(page string, payload map[string]any)
	TrackStart(category, name string, payload map[string]any)
	TrackComplete(category, name string, payload map[string]any)
	CancelTracking(category, name string)
	SetIdentity(userID, tier string)
	Flush(ctx context.Context) error
	Background(ctx context.Context) error
}

type Reachability interface {
	Set(online bool)
}

// DeviceSource describes the host the agent runs on.
type DeviceSource interface {
	Info() models.DeviceInfo
}

type TrackRequest struct {
	Type     models.EventType `json:"type"`
	Category string           `json:"category"`
	Name     string           `json:"name"`
	Value    *float64         `json:"value,omitempty"`
	Page     string           `json:"pageName,omitempty"`
	Payload  map[string]any   `json:"payload,omitempty"`
}

type PageViewRequest struct {
	Page    string         `json:"page"`
	Payload map[string]any `json:"payload,omitempty"`
}

type FeatureRequest struct {
	Category string         `json:"category"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type IdentityRequest struct {
	UserID string `json:"userId"`
	Tier   string `json:"userTier"`
}

type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// BridgeServer is the loopback HTTP surface through which the UI host issues
// tracking calls. Tracking calls are fire-and-forget: they answer 202 unless
// the body cannot be decoded.
type BridgeServer struct {
	tracking     Tracking
	reachability Reachability
	status       func() any
	device       DeviceSource
	flushTimeout time.Duration
	logger       *zap.Logger
}

type BridgeOption func(*BridgeServer)

// WithDevice serves the host description on /api/v1/device.
func WithDevice(d DeviceSource) BridgeOption {
	return func(s *BridgeServer) { s.device = d }
}

func NewBridgeServer(tracking Tracking, reachability Reachability, status func() any, logger *zap.Logger, opts ...BridgeOption) *BridgeServer {
	s := &BridgeServer{
		tracking:     tracking,
		reachability: reachability,
		status:       status,
		flushTimeout: 10 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BridgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	type route struct {
		method  string
		handler func(http.ResponseWriter, *http.Request)
	}
	routes := map[string]route{
		"/api/v1/track":           {http.MethodPost, s.handleTrack},
		"/api/v1/track/page-view": {http.MethodPost, s.handlePageView},
		"/api/v1/track/start":     {http.MethodPost, s.handleStart},
		"/api/v1/track/complete":  {http.MethodPost, s.handleComplete},
		"/api/v1/track/cancel":    {http.MethodPost, s.handleCancel},
		"/api/v1/identity":        {http.MethodPost, s.handleIdentity},
		"/api/v1/connectivity":    {http.MethodPost, s.handleConnectivity},
		"/api/v1/flush":           {http.MethodPost, s.handleFlush},
		"/api/v1/background":      {http.MethodPost, s.handleBackground},
		"/api/v1/health":          {http.MethodGet, s.handleHealth},
		"/api/v1/status":          {http.MethodGet, s.handleStatus},
		"/api/v1/device":          {http.MethodGet, s.handleDevice},
	}

	rt, ok := routes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != rt.method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt.handler(w, r)
}

func (s *BridgeServer) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *BridgeServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("Failed to decode bridge request",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *BridgeServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if !s.decode(w, r, &req) {
		return
	}

	opts := []tracker.Option{tracker.WithPayload(req.Payload)}
	if req.Value != nil {
		opts = append(opts, tracker.WithValue(*req.Value))
	}
	if req.Page != "" {
		opts = append(opts, tracker.WithPage(req.Page))
	}
	s.tracking.Track(req.Type, req.Category, req.Name, opts...)
	accepted(w)
}

func (s *BridgeServer) handlePageView(w http.ResponseWriter, r *http.Request) {
	var req PageViewRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tracking.TrackPageView(req.Page, req.Payload)
	accepted(w)
}

func (s *BridgeServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tracking.TrackStart(req.Category, req.Name, req.Payload)
	accepted(w)
}

func (s *BridgeServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tracking.TrackComplete(req.Category, req.Name, req.Payload)
	accepted(w)
}

func (s *BridgeServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tracking.CancelTracking(req.Category, req.Name)
	accepted(w)
}

func (s *BridgeServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tracking.SetIdentity(req.UserID, req.Tier)
	accepted(w)
}

func (s *BridgeServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.reachability != nil {
		s.reachability.Set(req.Online)
	}
	accepted(w)
}

func (s *BridgeServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.flushTimeout)
	defer cancel()

	if err := s.tracking.Flush(ctx); err != nil {
		s.logger.Warn("Flush request failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *BridgeServer) handleBackground(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.flushTimeout)
	defer cancel()

	if err := s.tracking.Background(ctx); err != nil {
		s.logger.Warn("Background request failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *BridgeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *BridgeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *BridgeServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.device.Info())
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
