package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tickflow/internal/ratebudget"
)

// validKlineIntervals is the set of intervals accepted by the kline stream.
var validKlineIntervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Symbol     string           `yaml:"symbol"`
	Streams    StreamsConfig    `yaml:"streams"`
	Connection ConnectionConfig `yaml:"connection"`
	Clock      ClockConfig      `yaml:"clock"`
	Poller     PollerConfig     `yaml:"poller"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Console    ConsoleConfig    `yaml:"console"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamsConfig struct {
	Trade      bool            `yaml:"trade"`
	AggTrade   bool            `yaml:"agg_trade"`
	Kline      KlineConfig     `yaml:"kline"`
	BookTicker bool            `yaml:"book_ticker"`
	DepthDiff  DepthDiffConfig `yaml:"depth_diff"`
}

type KlineConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

type DepthDiffConfig struct {
	Enabled bool   `yaml:"enabled"`
	Speed   string `yaml:"speed"` // "100ms" or "" for the 1000ms default
}

type ConnectionConfig struct {
	BaseURL              string        `yaml:"base_url"`
	RestURL              string        `yaml:"rest_url"`
	ReconnectDelayBase   time.Duration `yaml:"reconnect_delay_base"`
	ReconnectDelayMax    time.Duration `yaml:"reconnect_delay_max"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 = infinite
	PingInterval         time.Duration `yaml:"ping_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	StaleThreshold       time.Duration `yaml:"stale_threshold"`
	Timeout              time.Duration `yaml:"timeout"` // REST request timeout
}

type ClockConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type PollerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DepthLimit   int           `yaml:"depth_limit"`
	Interval     time.Duration `yaml:"interval"`
	WeightBudget int64         `yaml:"weight_budget"`
	MaxRetries   int           `yaml:"max_retries"`
}

type WriterConfig struct {
	Enabled            bool          `yaml:"enabled"`
	OutputDir          string        `yaml:"output_dir"`
	MaxEvents          int           `yaml:"max_events"`
	MaxAge             time.Duration `yaml:"max_age"`
	MaxBytes           int           `yaml:"max_bytes"`
	FlushRetryAttempts int           `yaml:"flush_retry_attempts"`
	FlushRetryDelay    time.Duration `yaml:"flush_retry_delay"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// StreamNames returns the combined-subscription stream list for the
// configured symbol, e.g. ["btcusdt@trade", "btcusdt@kline_1m"].
func (c *Config) StreamNames() []string {
	sym := strings.ToLower(c.Symbol)
	var names []string
	if c.Streams.Trade {
		names = append(names, sym+"@trade")
	}
	if c.Streams.AggTrade {
		names = append(names, sym+"@aggTrade")
	}
	if c.Streams.Kline.Enabled {
		names = append(names, sym+"@kline_"+c.Streams.Kline.Interval)
	}
	if c.Streams.BookTicker {
		names = append(names, sym+"@bookTicker")
	}
	if c.Streams.DepthDiff.Enabled {
		name := sym + "@depth"
		if c.Streams.DepthDiff.Speed != "" {
			name += "@" + c.Streams.DepthDiff.Speed
		}
		names = append(names, name)
	}
	return names
}

func defaultConfig() Config {
	return Config{
		Symbol: "btcusdt",
		Streams: StreamsConfig{
			Trade:    true,
			AggTrade: true,
			Kline:    KlineConfig{Enabled: true, Interval: "1m"},
		},
		Connection: ConnectionConfig{
			BaseURL:            "wss://stream.binance.com:9443",
			RestURL:            "https://api.binance.com",
			ReconnectDelayBase: time.Second,
			ReconnectDelayMax:  60 * time.Second,
			PingInterval:       20 * time.Second,
			IdleTimeout:        30 * time.Second,
			StaleThreshold:     30 * time.Second,
			Timeout:            10 * time.Second,
		},
		Clock: ClockConfig{ProbeInterval: 30 * time.Second},
		Poller: PollerConfig{
			DepthLimit:   100,
			Interval:     10 * time.Second,
			WeightBudget: ratebudget.DefaultCeiling,
			MaxRetries:   3,
		},
		Writer: WriterConfig{
			Enabled:            true,
			OutputDir:          "./data",
			MaxEvents:          10000,
			MaxAge:             time.Hour,
			MaxBytes:           64 << 20,
			FlushRetryAttempts: 5,
			FlushRetryDelay:    2 * time.Second,
		},
		Console: ConsoleConfig{Enabled: true},
		Metrics: MetricsConfig{ReportInterval: 30 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads the YAML configuration at path, applies environment
// overrides and validates the result. The returned snapshot is immutable for
// the life of the process.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("TICKFLOW_SYMBOL"); v != "" {
		config.Symbol = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if len(cfg.StreamNames()) == 0 && !cfg.Poller.Enabled {
		return fmt.Errorf("no streams enabled and poller disabled: nothing to ingest")
	}
	if cfg.Streams.Kline.Enabled {
		if _, ok := validKlineIntervals[cfg.Streams.Kline.Interval]; !ok {
			return fmt.Errorf("invalid kline interval %q", cfg.Streams.Kline.Interval)
		}
	}
	if cfg.Connection.ReconnectDelayBase <= 0 {
		return fmt.Errorf("connection.reconnect_delay_base must be greater than 0")
	}
	if cfg.Connection.ReconnectDelayMax < cfg.Connection.ReconnectDelayBase {
		return fmt.Errorf("connection.reconnect_delay_max must not be below the base delay")
	}
	if cfg.Poller.Enabled {
		if _, err := ratebudget.WeightForDepthLimit(cfg.Poller.DepthLimit); err != nil {
			return fmt.Errorf("poller.depth_limit: %w", err)
		}
		if cfg.Poller.Interval <= 0 {
			return fmt.Errorf("poller.interval must be greater than 0")
		}
	}
	if cfg.Writer.Enabled {
		if cfg.Writer.MaxEvents <= 0 && cfg.Writer.MaxAge <= 0 && cfg.Writer.MaxBytes <= 0 {
			return fmt.Errorf("writer: at least one rotation threshold must be set")
		}
		if cfg.Writer.FlushRetryAttempts < 1 {
			return fmt.Errorf("writer.flush_retry_attempts must be at least 1")
		}
		if !cfg.Storage.S3.Enabled && cfg.Writer.OutputDir == "" {
			return fmt.Errorf("writer.output_dir is required when s3 storage is disabled")
		}
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 storage is enabled")
	}
	return nil
}
