package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration, built once at startup.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	HTTPAddr    string            `yaml:"http_addr"`
	Database    DatabaseConfig    `yaml:"database"`
	Platform    PlatformConfig    `yaml:"platform"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Status      StatusConfig      `yaml:"status"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	KPI         KPIConfig         `yaml:"kpi"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Notify      NotifyConfig      `yaml:"notify"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

type DatabaseConfig struct {
	URL               string        `yaml:"url"`
	ConnectRetries    int           `yaml:"connect_retries"`
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay"`
	MaxOpenConns      int           `yaml:"max_open_conns"`
	MigrateOnStart    bool          `yaml:"migrate_on_start"`
}

type PlatformConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ExtractionConfig struct {
	Interval  time.Duration `yaml:"interval"`
	PageSize  int           `yaml:"page_size"`
	BatchSize int           `yaml:"batch_size"`
}

type TelemetryConfig struct {
	Interval           time.Duration     `yaml:"interval"`
	SignalKey          string            `yaml:"signal_key"`
	Lookback           time.Duration     `yaml:"lookback"`
	MetricKeys         map[string]string `yaml:"metric_keys"`
	Workers            int               `yaml:"workers"`
	IncludeTestDevices bool              `yaml:"include_test_devices"`
}

type StatusConfig struct {
	LivenessThreshold time.Duration `yaml:"liveness_threshold"`
}

type AggregationConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FreshThreshold time.Duration `yaml:"fresh_threshold"`
	LookbackHours  int           `yaml:"lookback_hours"`
}

type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Horizon  time.Duration `yaml:"horizon"`
}

type SchedulerConfig struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type KPIConfig struct {
	UptimeThreshold float64 `yaml:"uptime_threshold"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
}

type NotifyConfig struct {
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ArchiveConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

const (
	CheckpointPostgres = "postgres"
	CheckpointRedis    = "redis"
	CheckpointSQLite   = "sqlite"
)

// Default returns the configuration before file and environment layers.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		Database: DatabaseConfig{
			ConnectRetries:    3,
			ConnectRetryDelay: 5 * time.Second,
			MaxOpenConns:      10,
			MigrateOnStart:    true,
		},
		Platform: PlatformConfig{
			Timeout: 30 * time.Second,
		},
		Extraction: ExtractionConfig{
			Interval:  5 * time.Minute,
			PageSize:  1000,
			BatchSize: 500,
		},
		Telemetry: TelemetryConfig{
			Interval:  time.Minute,
			SignalKey: "rss_value",
			Lookback:  15 * time.Minute,
			MetricKeys: map[string]string{
				"response_time":   "ms",
				"data_throughput": "bytes/s",
				"error_count":     "count",
				"request_count":   "count",
			},
			Workers: 1,
		},
		Status: StatusConfig{
			LivenessThreshold: 5 * time.Minute,
		},
		Aggregation: AggregationConfig{
			Interval:       5 * time.Minute,
			FreshThreshold: 5 * time.Minute,
			LookbackHours:  1,
		},
		Retention: RetentionConfig{
			Interval: 12 * time.Hour,
			Horizon:  30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Retries:    1,
			RetryDelay: 2 * time.Minute,
		},
		KPI: KPIConfig{
			UptimeThreshold: 0.95,
		},
		Checkpoint: CheckpointConfig{
			Driver:     CheckpointPostgres,
			SQLitePath: "file:checkpoints.db?_pragma=busy_timeout(5000)",
		},
		Notify: NotifyConfig{
			MQTT: MQTTConfig{
				Topic:    "iot/devices/{device_id}/status",
				ClientID: "iot-kpi",
			},
			Kafka: KafkaConfig{
				Topic: "device-status-transitions",
			},
		},
		Archive: ArchiveConfig{
			ClickHouse: ClickHouseConfig{Database: "default"},
		},
	}
}

// Load builds the configuration from .env, an optional YAML file and the environment.
// An empty path falls back to IOTKPI_CONFIG.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("IOTKPI_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)

	cfg.Database.URL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.Database.URL))
	cfg.Database.ConnectRetries = getenvIntDefault("DATABASE_CONNECT_RETRIES", cfg.Database.ConnectRetries)
	cfg.Database.ConnectRetryDelay = getenvDuration("DATABASE_CONNECT_RETRY_DELAY", cfg.Database.ConnectRetryDelay)
	cfg.Database.MigrateOnStart = getenvBool("DATABASE_MIGRATE_ON_START", cfg.Database.MigrateOnStart)

	cfg.Platform.BaseURL = getenvDefault("PLATFORM_BASE_URL", cfg.Platform.BaseURL)
	cfg.Platform.Token = getenvDefault("PLATFORM_TOKEN", cfg.Platform.Token)
	cfg.Platform.Timeout = getenvDuration("PLATFORM_TIMEOUT", cfg.Platform.Timeout)

	cfg.Extraction.Interval = getenvDuration("EXTRACTION_INTERVAL", cfg.Extraction.Interval)
	cfg.Extraction.PageSize = getenvIntDefault("EXTRACTION_PAGE_SIZE", cfg.Extraction.PageSize)
	cfg.Extraction.BatchSize = getenvIntDefault("EXTRACTION_BATCH_SIZE", cfg.Extraction.BatchSize)

	cfg.Telemetry.Interval = getenvDuration("COLLECTION_INTERVAL", cfg.Telemetry.Interval)
	cfg.Telemetry.Lookback = getenvDuration("TELEMETRY_LOOKBACK", cfg.Telemetry.Lookback)
	cfg.Telemetry.Workers = getenvIntDefault("TELEMETRY_WORKERS", cfg.Telemetry.Workers)
	cfg.Telemetry.IncludeTestDevices = getenvBool("TELEMETRY_INCLUDE_TEST_DEVICES", cfg.Telemetry.IncludeTestDevices)

	cfg.Status.LivenessThreshold = getenvDuration("LIVENESS_THRESHOLD", cfg.Status.LivenessThreshold)
	cfg.Retention.Horizon = getenvDuration("RETENTION_HORIZON", cfg.Retention.Horizon)
	cfg.Retention.Interval = getenvDuration("RETENTION_INTERVAL", cfg.Retention.Interval)
	cfg.Scheduler.Retries = getenvIntDefault("SCHEDULER_RETRIES", cfg.Scheduler.Retries)
	cfg.Scheduler.RetryDelay = getenvDuration("SCHEDULER_RETRY_DELAY", cfg.Scheduler.RetryDelay)
	cfg.KPI.UptimeThreshold = getenvFloatDefault("UPTIME_THRESHOLD", cfg.KPI.UptimeThreshold)

	cfg.Checkpoint.Driver = getenvDefault("CHECKPOINT_DRIVER", cfg.Checkpoint.Driver)
	cfg.Checkpoint.RedisAddr = getenvDefault("REDIS_ADDR", cfg.Checkpoint.RedisAddr)
	cfg.Checkpoint.RedisPassword = getenvDefault("REDIS_PASSWORD", cfg.Checkpoint.RedisPassword)
	cfg.Checkpoint.SQLitePath = getenvDefault("CHECKPOINT_SQLITE_PATH", cfg.Checkpoint.SQLitePath)

	cfg.Notify.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.Notify.MQTT.Broker)
	cfg.Notify.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.Notify.MQTT.Username)
	cfg.Notify.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.Notify.MQTT.Password)
	if brokers := splitCSV(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Notify.Kafka.Brokers = brokers
	}
	cfg.Notify.Kafka.Topic = getenvDefault("KAFKA_TOPIC", cfg.Notify.Kafka.Topic)

	cfg.Archive.ClickHouse.Addr = getenvDefault("CLICKHOUSE_ADDR", cfg.Archive.ClickHouse.Addr)
	cfg.Archive.ClickHouse.Username = getenvDefault("CLICKHOUSE_USERNAME", cfg.Archive.ClickHouse.Username)
	cfg.Archive.ClickHouse.Password = getenvDefault("CLICKHOUSE_PASSWORD", cfg.Archive.ClickHouse.Password)
}

// Validate fails fast on missing required settings.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL or PG_DSN is required"))
	}
	if c.Platform.BaseURL == "" {
		errs = append(errs, errors.New("config: PLATFORM_BASE_URL is required"))
	}
	if strings.TrimSpace(c.Platform.Token) == "" {
		errs = append(errs, errors.New("config: PLATFORM_TOKEN is required"))
	}
	if c.Extraction.PageSize <= 0 {
		errs = append(errs, errors.New("config: extraction.page_size must be positive"))
	}
	if c.Telemetry.SignalKey == "" {
		errs = append(errs, errors.New("config: telemetry.signal_key is required"))
	}
	if c.Status.LivenessThreshold <= 0 {
		errs = append(errs, errors.New("config: status.liveness_threshold must be positive"))
	}
	if c.Retention.Horizon <= 0 {
		errs = append(errs, errors.New("config: retention.horizon must be positive"))
	}
	if c.Scheduler.Retries < 0 {
		errs = append(errs, errors.New("config: scheduler.retries must not be negative"))
	}
	switch c.Checkpoint.Driver {
	case CheckpointPostgres, CheckpointSQLite:
	case CheckpointRedis:
		if c.Checkpoint.RedisAddr == "" {
			errs = append(errs, errors.New("config: checkpoint.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown checkpoint driver %q", c.Checkpoint.Driver))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
