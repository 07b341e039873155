package clock

import "time"

// StalenessDetector flags events whose calibrated age exceeds a threshold.
// Stale events are tagged, never dropped; downstream consumers decide what to
// do with them, which keeps clock and network issues auditable.
type StalenessDetector struct {
	thresholdMs int64
}

// NewStalenessDetector builds a detector with the given age threshold. A
// non-positive threshold disables staleness tagging.
func NewStalenessDetector(threshold time.Duration) *StalenessDetector {
	return &StalenessDetector{thresholdMs: threshold.Milliseconds()}
}

// IsStale reports whether an event with the given calibrated time (epoch ms)
// is older than the threshold as of now (epoch ms).
func (d *StalenessDetector) IsStale(calibratedEventTime, now int64) bool {
	if d.thresholdMs <= 0 {
		return false
	}
	return now-calibratedEventTime > d.thresholdMs
}
