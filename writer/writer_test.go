package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/models"
)

type persistCall struct {
	key  string
	size int
}

// fakeStore records persisted artifacts and can fail the first N calls.
type fakeStore struct {
	mu       sync.Mutex
	calls    []persistCall
	failures int
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) Persist(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	f.calls = append(f.calls, persistCall{key: key, size: len(data)})
	return nil
}

func (f *fakeStore) persisted() []persistCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]persistCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func writerTestConfig() *appconfig.Config {
	return &appconfig.Config{
		Symbol: "btcusdt",
		Writer: appconfig.WriterConfig{
			Enabled:            true,
			MaxEvents:          3,
			FlushRetryAttempts: 2,
			FlushRetryDelay:    time.Millisecond,
		},
	}
}

func tradeEvent(id int64) models.StreamEvent {
	return models.StreamEvent{
		Type:        models.EventTrade,
		Symbol:      "BTCUSDT",
		EventTime:   1672515782136,
		ReceiptTime: 1672515782500,
		Trade:       &models.TradePayload{TradeID: id, Price: 16569.01, Quantity: 0.014},
	}
}

func TestWriterRotatesOnMaxEvents(t *testing.T) {
	store := &fakeStore{}
	w := NewBufferedWriter(writerTestConfig(), store)

	for i := int64(1); i <= 7; i++ {
		if err := w.OnEvent(tradeEvent(i)); err != nil {
			t.Fatalf("OnEvent(%d): %v", i, err)
		}
	}

	// 7 events with max_events 3: two full segments so far.
	if got := len(store.persisted()); got != 2 {
		t.Fatalf("persisted %d segments before close, want 2", got)
	}

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := store.persisted()
	if len(calls) != 3 {
		t.Fatalf("persisted %d segments after close, want 3", len(calls))
	}
	for _, c := range calls {
		if c.size == 0 {
			t.Errorf("artifact %s is empty", c.key)
		}
	}
}

func TestWriterSegmentsKeyedByType(t *testing.T) {
	store := &fakeStore{}
	cfg := writerTestConfig()
	cfg.Writer.MaxEvents = 2
	w := NewBufferedWriter(cfg, store)

	klineEvent := models.StreamEvent{
		Type:   models.EventKline,
		Symbol: "BTCUSDT",
		Kline:  &models.KlinePayload{Interval: "1m"},
	}

	// Interleave types; each segment fills independently.
	w.OnEvent(tradeEvent(1))
	w.OnEvent(klineEvent)
	w.OnEvent(tradeEvent(2))
	w.OnEvent(klineEvent)

	calls := store.persisted()
	if len(calls) != 2 {
		t.Fatalf("persisted %d segments, want 2", len(calls))
	}
	var sawTrade, sawKline bool
	for _, c := range calls {
		if strings.HasPrefix(c.key, "type=trade/") {
			sawTrade = true
		}
		if strings.HasPrefix(c.key, "type=kline/") {
			sawKline = true
		}
	}
	if !sawTrade || !sawKline {
		t.Errorf("keys = %v, want one trade and one kline segment", calls)
	}
}

func TestWriterArtifactKeyLayout(t *testing.T) {
	store := &fakeStore{}
	w := NewBufferedWriter(writerTestConfig(), store)
	w.now = func() time.Time {
		return time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC)
	}

	for i := int64(1); i <= 3; i++ {
		w.OnEvent(tradeEvent(i))
	}

	calls := store.persisted()
	if len(calls) != 1 {
		t.Fatalf("persisted %d segments, want 1", len(calls))
	}
	key := calls[0].key
	if !strings.HasPrefix(key, "type=trade/date=2023-01-02/hour=15/btcusdt_20230102150405_") {
		t.Errorf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key %s missing .parquet suffix", key)
	}
}

func TestWriterRotatesOnMaxBytes(t *testing.T) {
	store := &fakeStore{}
	cfg := writerTestConfig()
	cfg.Writer.MaxEvents = 0
	cfg.Writer.MaxBytes = 200
	w := NewBufferedWriter(cfg, store)

	// Each flat event is ~96 bytes: the third append crosses 200.
	w.OnEvent(tradeEvent(1))
	w.OnEvent(tradeEvent(2))
	if got := len(store.persisted()); got != 0 {
		t.Fatalf("persisted %d segments below the byte threshold", got)
	}
	w.OnEvent(tradeEvent(3))
	if got := len(store.persisted()); got != 1 {
		t.Errorf("persisted %d segments, want 1", got)
	}
}

func TestWriterRotatesOnMaxAge(t *testing.T) {
	store := &fakeStore{}
	cfg := writerTestConfig()
	cfg.Writer.MaxEvents = 0
	cfg.Writer.MaxAge = time.Hour
	w := NewBufferedWriter(cfg, store)

	now := time.Date(2023, 1, 2, 15, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.OnEvent(tradeEvent(1))
	if got := len(store.persisted()); got != 0 {
		t.Fatalf("fresh segment flushed early")
	}

	now = now.Add(61 * time.Minute)
	w.OnEvent(tradeEvent(2))
	if got := len(store.persisted()); got != 1 {
		t.Errorf("persisted %d segments, want 1 after the age threshold", got)
	}
}

func TestWriterRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{failures: 1}
	w := NewBufferedWriter(writerTestConfig(), store)

	var slept []time.Duration
	w.sleep = func(d time.Duration) { slept = append(slept, d) }

	for i := int64(1); i <= 3; i++ {
		if err := w.OnEvent(tradeEvent(i)); err != nil {
			t.Fatalf("OnEvent(%d): %v", i, err)
		}
	}

	if got := len(store.persisted()); got != 1 {
		t.Fatalf("persisted %d segments, want 1", got)
	}
	if len(slept) != 1 {
		t.Errorf("slept %d times between attempts, want 1", len(slept))
	}

	select {
	case err := <-w.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestWriterFatalAfterRetryExhaustion(t *testing.T) {
	store := &fakeStore{failures: 100}
	w := NewBufferedWriter(writerTestConfig(), store)
	w.sleep = func(time.Duration) {}

	w.OnEvent(tradeEvent(1))
	w.OnEvent(tradeEvent(2))
	if err := w.OnEvent(tradeEvent(3)); err == nil {
		t.Fatal("OnEvent returned nil, want persist failure")
	}

	select {
	case err := <-w.Fatal():
		msg := err.Error()
		for _, want := range []string{"trade", "3 events", "2 attempts"} {
			if !strings.Contains(msg, want) {
				t.Errorf("fatal error %q missing %q", msg, want)
			}
		}
	default:
		t.Fatal("no fatal error delivered")
	}
}

func TestWriterRejectsEventsAfterClose(t *testing.T) {
	store := &fakeStore{}
	w := NewBufferedWriter(writerTestConfig(), store)

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.OnEvent(tradeEvent(1)); err == nil {
		t.Fatal("OnEvent accepted an event after Close")
	}
	if err := w.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMarshalSegmentDepthLevels(t *testing.T) {
	events := []models.StreamEvent{
		{
			Type:   models.EventDepthDiff,
			Symbol: "BTCUSDT",
			DepthDiff: &models.DepthDiffPayload{
				FirstUpdateID: 157,
				FinalUpdateID: 160,
				Bids:          []models.PriceLevel{{Price: 16569.00, Quantity: 31.2}},
				Asks:          []models.PriceLevel{{Price: 16569.01, Quantity: 40.6}, {Price: 16569.50, Quantity: 2.0}},
			},
		},
	}

	data, err := marshalSegment(models.EventDepthDiff, events)
	if err != nil {
		t.Fatalf("marshalSegment: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet artifact")
	}
	// PAR1 magic at both ends of the file.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Error("artifact is not a parquet file")
	}
}

func TestMarshalSegmentUnknownType(t *testing.T) {
	if _, err := marshalSegment(models.EventType("bogus"), nil); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestLocalStorePersist(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	key := "type=trade/date=2023-01-02/hour=15/btcusdt_x.parquet"
	if err := store.Persist(context.Background(), key, []byte("payload")); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	path := filepath.Join(dir, "type=trade", "date=2023-01-02", "hour=15", "btcusdt_x.parquet")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("artifact content = %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("stray temp file %s", e.Name())
		}
	}
}
