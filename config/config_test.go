package config

import (
	"os"
	"reflect"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `tickflow:
  name: "TestApp"
  version: "1.0"
symbol: "ethusdt"
streams:
  trade: true
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickflow.Name)
	}
	if cfg.Symbol != "ethusdt" {
		t.Errorf("unexpected symbol: %s", cfg.Symbol)
	}
	// Defaults survive a partial file.
	if cfg.Connection.BaseURL == "" {
		t.Error("expected default base_url")
	}
	if cfg.Writer.FlushRetryAttempts < 1 {
		t.Errorf("unexpected flush_retry_attempts: %d", cfg.Writer.FlushRetryAttempts)
	}
}

func TestLoadConfigSymbolOverride(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	t.Setenv("TICKFLOW_SYMBOL", "solusdt")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Symbol != "solusdt" {
		t.Errorf("symbol = %s, want solusdt", cfg.Symbol)
	}
}

func TestLoadConfigInvalidKlineInterval(t *testing.T) {
	path := writeTempConfig(t, `tickflow:
  name: "TestApp"
  version: "1.0"
symbol: "btcusdt"
streams:
  kline:
    enabled: true
    interval: "7m"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid kline interval")
	}
}

func TestLoadConfigInvalidDepthLimit(t *testing.T) {
	path := writeTempConfig(t, `tickflow:
  name: "TestApp"
  version: "1.0"
symbol: "btcusdt"
streams:
  trade: true
poller:
  enabled: true
  depth_limit: 42
  interval: 10s
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid depth limit")
	}
}

func TestLoadConfigNothingEnabled(t *testing.T) {
	path := writeTempConfig(t, `tickflow:
  name: "TestApp"
  version: "1.0"
symbol: "btcusdt"
streams:
  trade: false
  agg_trade: false
  kline:
    enabled: false
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when no streams are enabled and poller is disabled")
	}
}

func TestStreamNames(t *testing.T) {
	cfg := Config{
		Symbol: "BTCUSDT",
		Streams: StreamsConfig{
			Trade:      true,
			AggTrade:   true,
			Kline:      KlineConfig{Enabled: true, Interval: "1m"},
			BookTicker: true,
			DepthDiff:  DepthDiffConfig{Enabled: true, Speed: "100ms"},
		},
	}

	want := []string{
		"btcusdt@trade",
		"btcusdt@aggTrade",
		"btcusdt@kline_1m",
		"btcusdt@bookTicker",
		"btcusdt@depth@100ms",
	}
	if got := cfg.StreamNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("StreamNames() = %v, want %v", got, want)
	}

	cfg.Streams.DepthDiff.Speed = ""
	names := cfg.StreamNames()
	if names[len(names)-1] != "btcusdt@depth" {
		t.Errorf("depth stream without speed = %s, want btcusdt@depth", names[len(names)-1])
	}
}
