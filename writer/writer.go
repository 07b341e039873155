package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// RotationPolicy bounds a buffer segment. Whichever threshold triggers first
// ends the segment; a zero threshold is disabled.
type RotationPolicy struct {
	MaxEvents int
	MaxAge    time.Duration
	MaxBytes  int
}

// segment is one in-memory, append-only batch of events. It is owned
// exclusively by the writer between creation and flush; once flushed the
// durable artifact is immutable and the segment is discarded.
type segment struct {
	id        string
	events    []models.StreamEvent
	bytes     int
	createdAt time.Time
}

// BufferedWriter accumulates events per stream type and persists each full
// segment as one parquet artifact. Consume (OnEvent) is fast; the flush runs
// synchronously on the dispatching goroutine when a rotation threshold
// trips. A flush that keeps failing after bounded retries surfaces a fatal
// storage error: buffered-but-unpersisted events must never be lost
// silently.
type BufferedWriter struct {
	symbol        string
	policy        RotationPolicy
	store         ArtifactStore
	retryAttempts int
	retryDelay    time.Duration
	log           *logger.Log

	mu       sync.Mutex
	segments map[models.EventType]*segment
	closed   bool

	fatal chan error

	now   func() time.Time
	sleep func(d time.Duration)
}

// NewBufferedWriter creates a writer that persists through the given store.
func NewBufferedWriter(cfg *appconfig.Config, store ArtifactStore) *BufferedWriter {
	w := &BufferedWriter{
		symbol: strings.ToLower(cfg.Symbol),
		policy: RotationPolicy{
			MaxEvents: cfg.Writer.MaxEvents,
			MaxAge:    cfg.Writer.MaxAge,
			MaxBytes:  cfg.Writer.MaxBytes,
		},
		store:         store,
		retryAttempts: cfg.Writer.FlushRetryAttempts,
		retryDelay:    cfg.Writer.FlushRetryDelay,
		log:           logger.GetLogger(),
		segments:      make(map[models.EventType]*segment),
		fatal:         make(chan error, 1),
		now:           time.Now,
		sleep:         func(d time.Duration) { time.Sleep(d) },
	}

	w.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"store":      store.Name(),
		"max_events": w.policy.MaxEvents,
		"max_age":    w.policy.MaxAge.String(),
		"max_bytes":  w.policy.MaxBytes,
	}).Info("buffered writer initialized")

	return w
}

// Name implements dispatch.Consumer.
func (w *BufferedWriter) Name() string { return "parquet_writer" }

// Fatal delivers the unrecoverable storage error, if one ever occurs. The
// process is expected to terminate on it.
func (w *BufferedWriter) Fatal() <-chan error { return w.fatal }

// OnEvent appends the event to its segment and rotates when a policy
// threshold trips.
func (w *BufferedWriter) OnEvent(event models.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	seg := w.segments[event.Type]
	if seg == nil {
		seg = &segment{id: uuid.New().String(), createdAt: w.now()}
		w.segments[event.Type] = seg
	}
	seg.events = append(seg.events, event)
	seg.bytes += event.ApproxSize()

	if reason := w.trigger(seg); reason != "" {
		return w.flushLocked(context.Background(), event.Type, reason)
	}
	return nil
}

// trigger reports which rotation threshold the segment has hit, if any.
func (w *BufferedWriter) trigger(seg *segment) string {
	if w.policy.MaxEvents > 0 && len(seg.events) >= w.policy.MaxEvents {
		return "max_events"
	}
	if w.policy.MaxBytes > 0 && seg.bytes >= w.policy.MaxBytes {
		return "max_bytes"
	}
	if w.policy.MaxAge > 0 && w.now().Sub(seg.createdAt) >= w.policy.MaxAge {
		return "max_age"
	}
	return ""
}

// RunAgeFlush periodically flushes segments whose age threshold has elapsed
// without new appends. Without it a quiet stream could hold a partial
// segment in memory indefinitely.
func (w *BufferedWriter) RunAgeFlush(ctx context.Context) {
	if w.policy.MaxAge <= 0 {
		return
	}

	interval := 30 * time.Second
	if w.policy.MaxAge < interval {
		interval = w.policy.MaxAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			for typ, seg := range w.segments {
				if w.now().Sub(seg.createdAt) >= w.policy.MaxAge && len(seg.events) > 0 {
					_ = w.flushLocked(context.Background(), typ, "max_age")
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close flushes every non-empty segment and rejects further events. No event
// accepted by OnEvent is lost on a clean stop.
func (w *BufferedWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for _, typ := range models.EventTypes {
		if seg := w.segments[typ]; seg != nil && len(seg.events) > 0 {
			if err := w.flushLocked(ctx, typ, "shutdown"); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	w.log.WithComponent("parquet_writer").Info("buffered writer closed")
	return firstErr
}

// flushLocked serializes and persists one segment, retrying with backoff up
// to the configured bound. Retry exhaustion surfaces on the fatal channel.
// Caller holds w.mu.
func (w *BufferedWriter) flushLocked(ctx context.Context, typ models.EventType, reason string) error {
	seg := w.segments[typ]
	if seg == nil || len(seg.events) == 0 {
		return nil
	}
	delete(w.segments, typ)

	log := w.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"segment_id": seg.id,
		"type":       string(typ),
		"events":     len(seg.events),
		"reason":     reason,
	})

	data, err := marshalSegment(typ, seg.events)
	if err != nil {
		err = fmt.Errorf("segment %s (%s, %d events): %w", seg.id, typ, len(seg.events), err)
		log.WithError(err).Error("failed to serialize segment")
		w.reportFatal(err)
		return err
	}

	key := w.artifactKey(typ, seg)
	log = log.WithFields(logger.Fields{"key": key, "size": len(data)})

	delay := w.retryDelay
	for attempt := 1; attempt <= w.retryAttempts; attempt++ {
		err = w.store.Persist(ctx, key, data)
		if err == nil {
			log.WithFields(logger.Fields{"attempt": attempt}).Info("segment persisted")
			logger.IncrementSegmentFlush(len(seg.events))
			logger.LogDataFlowEntry(log, "buffer", w.store.Name(), len(seg.events), string(typ))
			return nil
		}
		if attempt < w.retryAttempts {
			log.WithError(err).WithFields(logger.Fields{
				"attempt":  attempt,
				"retry_in": delay.String(),
			}).Warn("segment persist failed, retrying")
			w.sleep(delay)
			delay *= 2
		}
	}

	err = fmt.Errorf("segment %s (%s, %d events, key %s) could not be persisted after %d attempts: %w",
		seg.id, typ, len(seg.events), key, w.retryAttempts, err)
	log.WithError(err).Error("unrecoverable storage failure")
	w.reportFatal(err)
	return err
}

func (w *BufferedWriter) reportFatal(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}

// artifactKey partitions artifacts by stream type and time window:
// type=<type>/date=YYYY-MM-DD/hour=HH/<symbol>_<ts>_<segment>.parquet
func (w *BufferedWriter) artifactKey(typ models.EventType, seg *segment) string {
	ts := seg.createdAt.UTC()
	short := seg.id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("type=%s/date=%s/hour=%02d/%s_%s_%s.parquet",
		string(typ),
		ts.Format("2006-01-02"),
		ts.Hour(),
		w.symbol,
		ts.Format("20060102150405"),
		short,
	)
}
