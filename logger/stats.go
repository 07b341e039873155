package logger

import (
	"context"
	"sync/atomic"
	"time"
)

// Pipeline counters, incremented from the hot paths and reported
// periodically by StartReport.
var (
	warns          int64
	errors         int64
	dispatched     int64
	parseErrors    int64
	consumerErrors int64
	reconnects     int64
	snapshotPolls  int64
	segmentFlushes int64
	flushedEvents  int64
)

func recordWarn() {
	atomic.AddInt64(&warns, 1)
}

func recordError() {
	atomic.AddInt64(&errors, 1)
}

// IncrementDispatched counts one event delivered through the dispatcher.
func IncrementDispatched() {
	atomic.AddInt64(&dispatched, 1)
}

// IncrementParseError counts one malformed frame dropped by the normalizer.
func IncrementParseError() {
	atomic.AddInt64(&parseErrors, 1)
}

// IncrementConsumerError counts one isolated consumer failure.
func IncrementConsumerError() {
	atomic.AddInt64(&consumerErrors, 1)
}

// IncrementReconnect counts one stream reconnect cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementSnapshotPoll counts one completed REST depth poll.
func IncrementSnapshotPoll() {
	atomic.AddInt64(&snapshotPolls, 1)
}

// IncrementSegmentFlush counts one persisted segment and the events it held.
func IncrementSegmentFlush(events int) {
	atomic.AddInt64(&segmentFlushes, 1)
	atomic.AddInt64(&flushedEvents, int64(events))
}

// StartReport logs a snapshot of the pipeline counters every interval and
// publishes them as gauges until the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportOnce(log)
			}
		}
	}()
}

func reportOnce(log *Log) {
	entry := log.WithComponent("report")
	entry.WithFields(Fields{
		"events_dispatched": atomic.LoadInt64(&dispatched),
		"parse_errors":      atomic.LoadInt64(&parseErrors),
		"consumer_errors":   atomic.LoadInt64(&consumerErrors),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"snapshot_polls":    atomic.LoadInt64(&snapshotPolls),
		"segments_flushed":  atomic.LoadInt64(&segmentFlushes),
		"events_flushed":    atomic.LoadInt64(&flushedEvents),
		"warns":             atomic.LoadInt64(&warns),
		"errors":            atomic.LoadInt64(&errors),
	}).Info("pipeline report")

	entry.LogMetric("report", "events_dispatched", atomic.LoadInt64(&dispatched), "gauge", nil)
	entry.LogMetric("report", "segments_flushed", atomic.LoadInt64(&segmentFlushes), "gauge", nil)
	entry.LogMetric("report", "stream_reconnects", atomic.LoadInt64(&reconnects), "gauge", nil)
}
