package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/middleware"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/ops"

	"go.uber.org/zap/zaptest"
)

const testSecret = "cli-test-secret"

func testOpener(t *testing.T) (Opener, *datastore.SQLStore) {
	t.Helper()
	store, err := datastore.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "cli.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Insights: config.InsightsConfig{
			Lookback:         7 * 24 * time.Hour,
			TrendThreshold:   0.2,
			AnomalyThreshold: 0.5,
			MinVolume:        20,
			CheckoutDropoff:  0.7,
			CompletionFloor:  0.5,
			ErrorRate:        0.05,
			ChurnDecline:     0.25,
			Abandonment:      0.9,
		},
		Server: config.ServerConfig{JWTSecret: testSecret},
	}

	open := func(context.Context, string) (*Env, func(), error) {
		return &Env{Config: cfg, Logger: zaptest.NewLogger(t), Store: store, Notifier: ops.Nop{}}, func() {}, nil
	}
	return open, store
}

func seed(t *testing.T, store datastore.InsightStore, id string, typ models.InsightType, created time.Time) {
	t.Helper()
	err := store.UpsertInsight(context.Background(), &models.Insight{
		ID:                id,
		Type:              typ,
		Priority:          models.PriorityMedium,
		Category:          "shop",
		Name:              "purchase_completed",
		Title:             "title " + id,
		Description:       "d",
		RecommendedAction: "a",
		Status:            models.StatusPending,
		CreatedAt:         created,
		UpdatedAt:         created,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func execute(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	open, _ := testOpener(t)
	cmd := NewRootCmd(open)

	if cmd.Use != "insight-engine" {
		t.Errorf("Use = %q", cmd.Use)
	}
	if f := cmd.PersistentFlags().Lookup("config"); f == nil || f.Shorthand != "c" {
		t.Error("expected --config/-c persistent flag")
	}

	want := map[string]bool{"generate": false, "serve": false, "insights": false, "token": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestInsightsListAndTransitions(t *testing.T) {
	open, store := testOpener(t)
	now := time.Now().UTC().Truncate(time.Second)
	seed(t, store, "a", models.InsightTrend, now.Add(-time.Hour))
	seed(t, store, "b", models.InsightAnomaly, now)

	out, err := execute(t, open, "insights", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "ID") || !strings.Contains(out, "title a") || !strings.Contains(out, "title b") {
		t.Errorf("unexpected table:\n%s", out)
	}
	if strings.Index(out, "title b") > strings.Index(out, "title a") {
		t.Errorf("expected newest first:\n%s", out)
	}

	out, err = execute(t, open, "insights", "ls", "--type", "anomaly", "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	var list []models.Insight
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(list) != 1 || list[0].ID != "b" {
		t.Errorf("got %+v, want only b", list)
	}

	tests := []struct {
		args    []string
		wantOut string
		wantErr bool
	}{
		{args: []string{"insights", "start", "a"}, wantOut: "a is now in_progress"},
		{args: []string{"insights", "complete", "a"}, wantOut: "a is now completed"},
		{args: []string{"insights", "dismiss", "a"}, wantErr: true},
		{args: []string{"insights", "complete", "b"}, wantErr: true},
		{args: []string{"insights", "dismiss", "b"}, wantOut: "b is now dismissed"},
		{args: []string{"insights", "start", "missing"}, wantErr: true},
		{args: []string{"insights", "start"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := execute(t, open, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("output %q does not contain %q", out, tt.wantOut)
			}
		})
	}

	out, err = execute(t, open, "insights", "show", "a")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown models.Insight
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if shown.Status != models.StatusCompleted || shown.ResolvedAt == nil {
		t.Errorf("show = %+v, want completed with resolvedAt", shown)
	}
}

func TestInsightsListRejectsUnknownStatus(t *testing.T) {
	open, _ := testOpener(t)
	if _, err := execute(t, open, "insights", "list", "--status", "open"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGenerateOnEmptyStore(t *testing.T) {
	open, _ := testOpener(t)
	out, err := execute(t, open, "generate", "--lookback", "48h")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "(2 days)") || !strings.Contains(out, "Created 0, updated 0, failed 0") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestTokenCmd(t *testing.T) {
	open, _ := testOpener(t)

	out, err := execute(t, open, "token", "--subject", "alice", "--role", "admin", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := middleware.ParseToken([]byte(testSecret), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != middleware.RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := execute(t, open, "token"); err == nil {
		t.Error("expected error without --subject")
	}
	if _, err := execute(t, open, "token", "--subject", "x", "--role", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestOpenEnvFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "log:\n  level: error\ndatastore:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "env.db") + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, OpenEnv, "--config", path, "insights", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No insights.") {
		t.Errorf("output = %q", out)
	}
}
