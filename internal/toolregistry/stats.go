package toolregistry

import (
	"fmt"
	"sync"
	"time"
)

// RegressionOptions tunes per-tool metric regression detection. A zero
// BaselineSize disables detection.
type RegressionOptions struct {
	BaselineSize   int
	WindowSize     int
	LatencyDeltaMS int64
	ErrorRateDelta float64
}

type sample struct {
	latency time.Duration
	failed  bool
}

// toolStats keeps the frozen baseline and the rolling recent window for one
// tool. The baseline is the first BaselineSize successful calls; once frozen
// it never changes for the lifetime of the registration.
type toolStats struct {
	mu   sync.Mutex
	opts RegressionOptions

	baseline       []time.Duration
	baselineErrors int
	baselineTotal  int
	frozen         bool

	recent []sample

	calls    int64
	failures int64
}

func newToolStats(opts RegressionOptions) *toolStats {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 20
	}
	return &toolStats{opts: opts}
}

// record adds one observation and reports whether the tool has regressed
// against its baseline, with a human-readable reason.
func (s *toolStats) record(latency time.Duration, failed bool) (regressed bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if failed {
		s.failures++
	}

	if s.opts.BaselineSize <= 0 {
		return false, ""
	}

	if !s.frozen {
		s.baselineTotal++
		if failed {
			s.baselineErrors++
		} else {
			s.baseline = append(s.baseline, latency)
			if len(s.baseline) >= s.opts.BaselineSize {
				s.frozen = true
			}
		}
		return false, ""
	}

	s.recent = append(s.recent, sample{latency: latency, failed: failed})
	if len(s.recent) > s.opts.WindowSize {
		s.recent = s.recent[len(s.recent)-s.opts.WindowSize:]
	}
	if len(s.recent) < s.opts.WindowSize {
		return false, ""
	}

	baseMean := meanLatency(s.baseline)
	baseErrRate := float64(s.baselineErrors) / float64(s.baselineTotal)

	var recentSum time.Duration
	recentFailed := 0
	for _, smp := range s.recent {
		recentSum += smp.latency
		if smp.failed {
			recentFailed++
		}
	}
	recentMean := recentSum / time.Duration(len(s.recent))
	recentErrRate := float64(recentFailed) / float64(len(s.recent))

	if delta := recentMean - baseMean; s.opts.LatencyDeltaMS > 0 && delta.Milliseconds() > s.opts.LatencyDeltaMS {
		return true, fmt.Sprintf("mean latency %s exceeds baseline %s by more than %dms",
			recentMean.Round(time.Millisecond), baseMean.Round(time.Millisecond), s.opts.LatencyDeltaMS)
	}
	if s.opts.ErrorRateDelta > 0 && recentErrRate-baseErrRate > s.opts.ErrorRateDelta {
		return true, fmt.Sprintf("error rate %.2f exceeds baseline %.2f by more than %.2f",
			recentErrRate, baseErrRate, s.opts.ErrorRateDelta)
	}
	return false, ""
}

// Snapshot is the externally visible view of one tool's counters.
type Snapshot struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	// BaselineFrozen reports whether enough successful calls were seen to
	// freeze the regression baseline.
	BaselineFrozen bool `json:"baseline_frozen"`
}

func (s *toolStats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Calls: s.calls, Failures: s.failures, BaselineFrozen: s.frozen}
}

func meanLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// failureWindow tracks recent failure timestamps for the error-counting
// rollback. Eviction happens at record time against the configured window.
type failureWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newFailureWindow(window time.Duration) *failureWindow {
	return &failureWindow{window: window}
}

// add records one failure at now and returns how many failures remain inside
// the window.
func (f *failureWindow) add(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-f.window)
	kept := f.times[:0]
	for _, t := range f.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.times = append(kept, now)
	return len(f.times)
}

func (f *failureWindow) reset() {
	f.mu.Lock()
	f.times = nil
	f.mu.Unlock()
}
