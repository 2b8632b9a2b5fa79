package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env          string             `yaml:"env" env:"APP_ENV" env-default:"local"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Device       DeviceConfig       `yaml:"device"`
	Session      SessionConfig      `yaml:"session"`
	Batch        BatchConfig        `yaml:"batch"`
	Durability   DurabilityConfig   `yaml:"durability"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sink         SinkConfig         `yaml:"sink"`
	Datastore    DatastoreConfig    `yaml:"datastore"`
	Insights     InsightsConfig     `yaml:"insights"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Server       ServerConfig       `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

type StorageConfig struct {
	Path string `yaml:"path" env:"STORAGE_PATH" env-default:"telemetry.db"`
}

type DeviceConfig struct {
	InstallationID string `yaml:"installation_id" env:"DEVICE_INSTALLATION_ID"`
	AppVersion     string `yaml:"app_version" env:"APP_VERSION" env-default:"dev"`
}

type SessionConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"SESSION_TIMEOUT" env-default:"30m"`
	CheckInterval time.Duration `yaml:"check_interval" env:"SESSION_CHECK_INTERVAL" env-default:"1m"`
}

type BatchConfig struct {
	Size          int           `yaml:"size" env:"BATCH_SIZE" env-default:"20"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"BATCH_FLUSH_INTERVAL" env-default:"30s"`
	Buffer        int           `yaml:"buffer" env:"BATCH_BUFFER" env-default:"1024"`
	MaxQueued     int           `yaml:"max_queued" env:"BATCH_MAX_QUEUED" env-default:"8"`
}

type DurabilityConfig struct {
	MaxEvents      int           `yaml:"max_events" env:"DURABILITY_MAX_EVENTS" env-default:"5000"`
	ReplayInterval time.Duration `yaml:"replay_interval" env:"DURABILITY_REPLAY_INTERVAL" env-default:"60s"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" env:"BACKOFF_INITIAL" env-default:"1s"`
	Multiplier float64       `yaml:"multiplier" env:"BACKOFF_MULTIPLIER" env-default:"2"`
	Max        time.Duration `yaml:"max" env:"BACKOFF_MAX" env-default:"5m"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" env:"CONNECTIVITY_PROBE_INTERVAL" env-default:"15s"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"CONNECTIVITY_PROBE_TIMEOUT" env-default:"5s"`
}

// SinkConfig selects where the agent delivers event batches.
type SinkConfig struct {
	Driver  string        `yaml:"driver" env:"SINK_DRIVER" env-default:"http"`
	BaseURL string        `yaml:"base_url" env:"SINK_BASE_URL" env-default:"http://localhost:8080"`
	APIKey  string        `yaml:"api_key" env:"SINK_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"SINK_TIMEOUT" env-default:"10s"`
}

type DatastoreConfig struct {
	Driver     string           `yaml:"driver" env:"DATASTORE_DRIVER" env-default:"sqlite"`
	SQLitePath string           `yaml:"sqlite_path" env:"DATASTORE_SQLITE_PATH" env-default:"analytics.db"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"POSTGRES_DSN" env-default:"host=localhost port=5432 user=admin password=password dbname=analytics sslmode=disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME" env-default:"5m"`
}

type ClickHouseConfig struct {
	Addr     []string `yaml:"addr" env:"CLICKHOUSE_ADDR" env-separator:"," env-default:"localhost:9000"`
	Database string   `yaml:"database" env:"CLICKHOUSE_DB" env-default:"analytics"`
	Username string   `yaml:"username" env:"CLICKHOUSE_USERNAME" env-default:"default"`
	Password string   `yaml:"password" env:"CLICKHOUSE_PASSWORD"`
}

type SupabaseConfig struct {
	URL string `yaml:"url" env:"SUPABASE_URL"`
	Key string `yaml:"key" env:"SUPABASE_KEY"`
}

// InsightsConfig carries the detector thresholds. Ratios are fractions
// (0.2 == 20%).
type InsightsConfig struct {
	Lookback         time.Duration `yaml:"lookback" env:"INSIGHTS_LOOKBACK" env-default:"168h"`
	TrendThreshold   float64       `yaml:"trend_threshold" env:"INSIGHTS_TREND_THRESHOLD" env-default:"0.2"`
	AnomalyThreshold float64       `yaml:"anomaly_threshold" env:"INSIGHTS_ANOMALY_THRESHOLD" env-default:"0.5"`
	MinVolume        int64         `yaml:"min_volume" env:"INSIGHTS_MIN_VOLUME" env-default:"20"`
	CheckoutDropoff  float64       `yaml:"checkout_dropoff" env:"INSIGHTS_CHECKOUT_DROPOFF" env-default:"0.7"`
	CompletionFloor  float64       `yaml:"completion_floor" env:"INSIGHTS_COMPLETION_FLOOR" env-default:"0.5"`
	ErrorRate        float64       `yaml:"error_rate" env:"INSIGHTS_ERROR_RATE" env-default:"0.05"`
	ChurnDecline     float64       `yaml:"churn_decline" env:"INSIGHTS_CHURN_DECLINE" env-default:"0.25"`
	Abandonment      float64       `yaml:"abandonment" env:"INSIGHTS_ABANDONMENT" env-default:"0.9"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" env:"KAFKA_ENABLED" env-default:"false"`
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	Topic    string   `yaml:"topic" env:"KAFKA_TOPIC_OPS" env-default:"analytics-ops"`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID" env-default:"analytics-telemetry"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr" env:"SERVER_ADDR" env-default:":8080"`
	BridgeAddr   string `yaml:"bridge_addr" env:"BRIDGE_ADDR" env-default:"localhost:8765"`
	JWTSecret    string `yaml:"jwt_secret" env:"JWT_SECRET"`
	IngestAPIKey string `yaml:"ingest_api_key" env:"INGEST_API_KEY"`
}

var (
	sinkDrivers      = map[string]bool{"http": true, "sqlite": true, "postgres": true, "clickhouse": true, "supabase": true}
	datastoreDrivers = map[string]bool{"sqlite": true, "postgres": true, "clickhouse": true, "supabase": true}
)

// LoadConfig reads the YAML file at path with environment overrides. A
// missing file is not an error: configuration then comes from env and
// defaults only. A .env file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from env: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive")
	}
	if c.Batch.Buffer <= 0 {
		return fmt.Errorf("batch.buffer must be positive, got %d", c.Batch.Buffer)
	}
	if c.Durability.MaxEvents <= 0 {
		return fmt.Errorf("durability.max_events must be positive, got %d", c.Durability.MaxEvents)
	}
	if c.Durability.Backoff.Initial <= 0 || c.Durability.Backoff.Multiplier < 1 {
		return fmt.Errorf("durability.backoff needs initial > 0 and multiplier >= 1")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive")
	}
	if c.Session.CheckInterval <= 0 {
		return fmt.Errorf("session.check_interval must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("connectivity.probe_interval and probe_timeout must be positive")
	}
	if c.Durability.ReplayInterval <= 0 {
		return fmt.Errorf("durability.replay_interval must be positive")
	}
	if !sinkDrivers[c.Sink.Driver] {
		return fmt.Errorf("unknown sink driver %q", c.Sink.Driver)
	}
	if !datastoreDrivers[c.Datastore.Driver] {
		return fmt.Errorf("unknown datastore driver %q", c.Datastore.Driver)
	}
	if c.Insights.Lookback < minLookback {
		return fmt.Errorf("insights.lookback must be at least 24h, got %s", c.Insights.Lookback)
	}
	return nil
}

const minLookback = 24 * time.Hour
