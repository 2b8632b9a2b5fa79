package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelFallback(t *testing.T) {
	l, err := New("not-a-level", "json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Sync()

	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled when level falls back to info")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled")
	}
}

func TestWithComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	WithComponent(zap.New(core), "collector").Info("flushed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "collector" {
		t.Errorf("component = %v, want collector", got)
	}
}
