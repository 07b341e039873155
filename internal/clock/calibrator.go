package clock

import (
	"context"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"tickflow/logger"
)

// ServerClock returns the exchange's current time in epoch milliseconds.
type ServerClock interface {
	ServerTime(ctx context.Context) (int64, error)
}

// BinanceServerClock queries GET /api/v3/time through the go-binance client.
type BinanceServerClock struct {
	Client *binance.Client
}

func (b *BinanceServerClock) ServerTime(ctx context.Context) (int64, error) {
	return b.Client.NewServerTimeService().Do(ctx)
}

// Calibrator estimates the local-vs-server clock offset from round-trip
// probes. The offset is read on every event and written only by the probe
// loop, so it is held in a single atomic value.
type Calibrator struct {
	offset     atomic.Int64
	calibrated atomic.Bool
	clock      ServerClock
	interval   time.Duration
	log        *logger.Log
}

// NewCalibrator creates a calibrator that probes the given server clock every
// interval once Run is started. The offset reads as zero until the first
// successful probe.
func NewCalibrator(clock ServerClock, interval time.Duration) *Calibrator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Calibrator{
		clock:    clock,
		interval: interval,
		log:      logger.GetLogger(),
	}
}

// Calibrate records one round-trip sample. The offset estimate is
// serverTime - (localSend+localRecv)/2, the midpoint correction for
// round-trip latency. All arguments are epoch milliseconds.
func (c *Calibrator) Calibrate(serverTime, localSendTime, localRecvTime int64) {
	offset := serverTime - (localSendTime+localRecvTime)/2
	c.offset.Store(offset)
	c.calibrated.Store(true)
}

// OffsetMillis returns the current offset estimate in milliseconds.
func (c *Calibrator) OffsetMillis() int64 {
	return c.offset.Load()
}

// Calibrated reports whether at least one probe has completed.
func (c *Calibrator) Calibrated() bool {
	return c.calibrated.Load()
}

// Run probes the server clock on its own ticker until the context is
// cancelled. Probe failures are logged and the previous offset stays in
// effect.
func (c *Calibrator) Run(ctx context.Context) {
	log := c.log.WithComponent("clock_calibrator")
	log.WithFields(logger.Fields{"interval": c.interval.String()}).Info("starting clock calibration loop")

	c.probe(ctx, log)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("clock calibration loop stopped")
			return
		case <-ticker.C:
			c.probe(ctx, log)
		}
	}
}

func (c *Calibrator) probe(ctx context.Context, log *logger.Entry) {
	send := time.Now().UnixMilli()
	serverTime, err := c.clock.ServerTime(ctx)
	recv := time.Now().UnixMilli()
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("server time probe failed")
		}
		return
	}

	c.Calibrate(serverTime, send, recv)
	log.WithFields(logger.Fields{
		"offset_ms": c.OffsetMillis(),
		"rtt_ms":    recv - send,
	}).Debug("clock offset updated")
}
