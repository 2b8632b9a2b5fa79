// Package ops publishes degradation and insight signals for operations.
package ops

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Signal kinds.
const (
	KindStorageQuota = "storage_quota"
	KindInsight      = "insight"
	KindEngineRule   = "engine_rule"
)

type Signal struct {
	Kind     string         `json:"kind"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Notifier delivers signals. Implementations log their own failures and
// never return them to the caller.
type Notifier interface {
	Notify(ctx context.Context, sig Signal)
}

// LogNotifier writes signals to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, sig Signal) {
	fields := []zap.Field{
		zap.String("kind", sig.Kind),
		zap.String("severity", string(sig.Severity)),
		zap.Time("at", sig.At),
	}
	if len(sig.Fields) > 0 {
		fields = append(fields, zap.Any("fields", sig.Fields))
	}

	switch sig.Severity {
	case SeverityCritical:
		n.logger.Error(sig.Message, fields...)
	case SeverityWarning:
		n.logger.Warn(sig.Message, fields...)
	default:
		n.logger.Info(sig.Message, fields...)
	}
}

// Multi fans a signal out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, sig Signal) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, sig)
		}
	}
}

// Nop discards signals.
type Nop struct{}

func (Nop) Notify(context.Context, Signal) {}
