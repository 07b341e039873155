package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	binanceapi "github.com/adshao/go-binance/v2"

	"tickflow/config"
	"tickflow/internal/dispatch"
	ratemetrics "tickflow/internal/metrics/rate"
	"tickflow/internal/ratebudget"
	"tickflow/models"
)

func depthTestConfig(restURL string) *config.Config {
	return &config.Config{
		Symbol: "btcusdt",
		Connection: config.ConnectionConfig{
			RestURL: restURL,
			Timeout: 2 * time.Second,
		},
		Poller: config.PollerConfig{
			Enabled:      true,
			DepthLimit:   100,
			Interval:     time.Second,
			WeightBudget: 1200,
			MaxRetries:   3,
		},
	}
}

func TestNewDepthPollerRejectsInvalidLimit(t *testing.T) {
	cfg := depthTestConfig("http://127.0.0.1:1")
	cfg.Poller.DepthLimit = 42

	if _, err := NewDepthPoller(cfg, newTestNormalizer(), dispatch.NewDispatcher(), ratebudget.NewTracker(1200, time.Minute)); err == nil {
		t.Fatal("expected error for invalid depth limit")
	}
}

func TestPollDispatchesSnapshot(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			http.NotFound(w, r)
			return
		}
		requests.Add(1)
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s, want BTCUSDT", got)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit = %s, want 100", got)
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1m", "5")
		w.Write([]byte(`{"lastUpdateId":160,"bids":[["16569.00","31.2"]],"asks":[["16569.01","40.6"],["16569.50","2.0"]]}`))
	}))
	defer server.Close()

	cfg := depthTestConfig(server.URL)
	dispatcher := dispatch.NewDispatcher()

	events := make(chan models.StreamEvent, 1)
	dispatcher.Register(dispatch.ConsumerFunc{
		ConsumerName: "capture",
		Fn: func(e models.StreamEvent) error {
			events <- e
			return nil
		},
	})

	budget := ratebudget.NewTracker(1200, time.Minute)
	poller, err := NewDepthPoller(cfg, newTestNormalizer(), dispatcher, budget)
	if err != nil {
		t.Fatalf("NewDepthPoller: %v", err)
	}

	if err := poller.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case event := <-events:
		if event.Type != models.EventDepthSnapshot {
			t.Fatalf("type = %s, want depth_snapshot", event.Type)
		}
		s := event.DepthSnapshot
		if s.LastUpdateID != 160 || len(s.Bids) != 1 || len(s.Asks) != 2 {
			t.Errorf("unexpected snapshot: %+v", s)
		}
	default:
		t.Fatal("no event dispatched")
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
	// A limit-100 request is charged weight 5.
	if got := budget.Used(); got != 5 {
		t.Errorf("budget used = %d, want 5", got)
	}
}

func TestPollSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := depthTestConfig(server.URL)
	poller, err := NewDepthPoller(cfg, newTestNormalizer(), dispatch.NewDispatcher(), ratebudget.NewTracker(1200, time.Minute))
	if err != nil {
		t.Fatalf("NewDepthPoller: %v", err)
	}

	if err := poller.poll(context.Background()); err == nil {
		t.Fatal("expected error for a 400 response")
	}
}

func TestPollWithRetryBoundedByTickDeadline(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"code":-1001,"msg":"internal error"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := depthTestConfig(server.URL)
	cfg.Poller.MaxRetries = 2
	poller, err := NewDepthPoller(cfg, newTestNormalizer(), dispatch.NewDispatcher(), ratebudget.NewTracker(1200, time.Minute))
	if err != nil {
		t.Fatalf("NewDepthPoller: %v", err)
	}
	log := poller.log.WithComponent("depth_poller")

	// The next tick is already due: no retry may be scheduled past it.
	poller.pollWithRetry(context.Background(), log, time.Now())
	if got := requests.Load(); got != 1 {
		t.Errorf("%d attempts with an expired tick deadline, want 1", got)
	}

	// A distant deadline admits the full retry budget.
	requests.Store(0)
	poller.pollWithRetry(context.Background(), log, time.Now().Add(time.Hour))
	if got := requests.Load(); got != 2 {
		t.Errorf("%d attempts with a distant deadline, want 2", got)
	}
}

func TestFetchRequestWeightLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"timezone":"UTC","serverTime":1672515782136,"rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":6000}],"symbols":[]}`))
	}))
	defer server.Close()

	client := binanceapi.NewClient("", "")
	client.BaseURL = server.URL

	limit, err := ratemetrics.FetchRequestWeightLimit(context.Background(), client)
	if err != nil {
		t.Fatalf("FetchRequestWeightLimit: %v", err)
	}
	if limit != 6000 {
		t.Errorf("limit = %d, want 6000", limit)
	}
}
