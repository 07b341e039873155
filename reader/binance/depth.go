package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/dispatch"
	ratemetrics "tickflow/internal/metrics/rate"
	"tickflow/internal/normalizer"
	"tickflow/internal/ratebudget"
	"tickflow/logger"
)

// depthResponse is the GET /api/v3/depth body.
type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DepthPoller periodically fetches full order book snapshots over REST and
// dispatches them through the same fan-out as the stream path. Every request
// is charged against the shared weight budget before it is issued; when the
// budget has no headroom the poll is delayed, never skipped or dropped.
type DepthPoller struct {
	cfg        *config.Config
	client     *binance.Client
	httpClient *http.Client
	norm       *normalizer.Normalizer
	dispatcher *dispatch.Dispatcher
	budget     *ratebudget.Tracker
	limiter    *rate.Limiter
	weight     int64
	log        *logger.Log
}

// NewDepthPoller creates a poller for the configured symbol and depth limit.
// The depth limit must be one of the values in the exchange's weight table;
// config validation guarantees that before this point.
func NewDepthPoller(cfg *config.Config, norm *normalizer.Normalizer, dispatcher *dispatch.Dispatcher, budget *ratebudget.Tracker) (*DepthPoller, error) {
	weight, err := ratebudget.WeightForDepthLimit(cfg.Poller.DepthLimit)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Connection.Timeout}
	client := binance.NewClient("", "")
	client.HTTPClient = httpClient
	if cfg.Connection.RestURL != "" {
		client.BaseURL = cfg.Connection.RestURL
	}

	return &DepthPoller{
		cfg:        cfg,
		client:     client,
		httpClient: httpClient,
		norm:       norm,
		dispatcher: dispatcher,
		budget:     budget,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		weight:     weight,
		log:        logger.GetLogger(),
	}, nil
}

// Run polls on a tick-aligned timer until the context is cancelled. A failed
// poll is retried with backoff bounded so retries never overrun the next
// scheduled tick; persistent failures are logged and the loop continues.
func (p *DepthPoller) Run(ctx context.Context) error {
	log := p.log.WithComponent("depth_poller").WithFields(logger.Fields{
		"symbol":   p.cfg.Symbol,
		"limit":    p.cfg.Poller.DepthLimit,
		"interval": p.cfg.Poller.Interval.String(),
		"weight":   p.weight,
	})

	if limit, err := ratemetrics.FetchRequestWeightLimit(ctx, p.client); err == nil && limit > 0 {
		p.budget.SetCeiling(limit)
		log.WithFields(logger.Fields{"weight_limit": limit}).Info("request weight limit fetched")
	} else if err != nil {
		log.WithError(err).Warn("failed to fetch request weight limit, using configured budget")
	}

	log.Info("starting depth poller")

	interval := p.cfg.Poller.Interval
	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("depth poller stopped")
			return nil
		case <-timer.C:
			start := time.Now()
			nextTick = start.Truncate(interval).Add(interval)
			p.pollWithRetry(ctx, log, nextTick)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration_ms": duration.Milliseconds(),
				}).Warn("poll took longer than interval")
			}

			timer.Reset(time.Until(nextTick))
		}
	}
}

// pollWithRetry retries transient failures with doubling delays, giving up
// once the next retry could not complete before the next scheduled tick.
func (p *DepthPoller) pollWithRetry(ctx context.Context, log *logger.Entry, deadline time.Time) {
	delay := 500 * time.Millisecond

	attempts := p.cfg.Poller.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.poll(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if time.Now().Add(delay).After(deadline) {
			break
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "retry_in": delay.String()}).Warn("depth poll failed, retrying")
		if waitOrDone(ctx, delay) {
			return
		}
		delay *= 2
	}

	log.WithError(err).Warn("depth poll failed, skipping until next tick")
}

// poll issues one weighted snapshot request and dispatches the result.
func (p *DepthPoller) poll(ctx context.Context) error {
	if err := p.budget.Acquire(ctx, p.weight); err != nil {
		return fmt.Errorf("acquire weight budget: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	symbol := strings.ToUpper(p.cfg.Symbol)
	reqURL := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", p.client.BaseURL, symbol, p.cfg.Poller.DepthLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build depth request: %w", err)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch depth snapshot: %w", err)
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(p.log.WithComponent("depth_poller"), "depth_poller", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})
	ratemetrics.ReportUsedWeight(p.log, resp.Header, symbol)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("depth request returned %d: %s", resp.StatusCode, string(body))
	}

	var depth depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&depth); err != nil {
		return fmt.Errorf("decode depth response: %w", err)
	}

	event, err := p.norm.NormalizeDepthSnapshot(symbol, depth.LastUpdateID, depth.Bids, depth.Asks)
	if err != nil {
		return fmt.Errorf("normalize depth snapshot: %w", err)
	}

	p.dispatcher.Dispatch(event)
	logger.IncrementSnapshotPoll()
	return nil
}
