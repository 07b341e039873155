package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCountersAccumulate(t *testing.T) {
	before := atomic.LoadInt64(&dispatched)
	IncrementDispatched()
	IncrementDispatched()
	if got := atomic.LoadInt64(&dispatched) - before; got != 2 {
		t.Errorf("dispatched delta = %d, want 2", got)
	}

	segBefore := atomic.LoadInt64(&segmentFlushes)
	evBefore := atomic.LoadInt64(&flushedEvents)
	IncrementSegmentFlush(42)
	if got := atomic.LoadInt64(&segmentFlushes) - segBefore; got != 1 {
		t.Errorf("segment flush delta = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&flushedEvents) - evBefore; got != 42 {
		t.Errorf("flushed events delta = %d, want 42", got)
	}
}
