// Package health keeps per-backend health and usage records.
//
// Every backend owns its record and the mutex guarding it, so updates for
// unrelated backends never contend. Nothing here performs I/O.
package health

import (
	"sync"
	"time"
)

// Outcome is the result of a single attempt against a backend.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Attempt describes one finished attempt.
type Attempt struct {
	Outcome Outcome
	Latency time.Duration
	// Cost is accumulated for successful attempts.
	Cost float64
	// Error is the sanitized error message of a failed attempt.
	Error string
}

// Config controls how the degraded flag is derived.
type Config struct {
	// Window is the number of most recent outcomes considered for the failure ratio.
	Window int
	// LatencyWindow is the size of the latency sample ring.
	LatencyWindow int
	// FailureRatio above which a backend is degraded.
	FailureRatio float64
	// MinAttempts is the number of outcomes needed before FailureRatio applies.
	MinAttempts int
	// LatencyThreshold above which the most recent sample marks the backend
	// degraded. Zero disables the check.
	LatencyThreshold time.Duration
}

// DefaultConfig returns the default health configuration.
func DefaultConfig() Config {
	return Config{
		Window:           20,
		LatencyWindow:    10,
		FailureRatio:     0.5,
		MinAttempts:      5,
		LatencyThreshold: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = d.FailureRatio
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 1
	}
	if c.MinAttempts > c.Window {
		c.MinAttempts = c.Window
	}
	return c
}

// Snapshot is a read-only copy of a backend's record.
type Snapshot struct {
	Backend            string          `json:"backend"`
	Requests           uint64          `json:"requests"`
	Successes          uint64          `json:"successes"`
	Failures           uint64          `json:"failures"`
	AverageLatency     time.Duration   `json:"average_latency"`
	LastLatency        time.Duration   `json:"last_latency"`
	Latencies          []time.Duration `json:"latencies"`
	RecentFailureRatio float64         `json:"recent_failure_ratio"`
	LastFailure        time.Time       `json:"last_failure,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	TotalCost          float64         `json:"total_cost"`
	Degraded           bool            `json:"degraded"`
}

type record struct {
	mu sync.Mutex

	successes    uint64
	failures     uint64
	totalLatency time.Duration
	totalCost    float64
	lastFailure  time.Time
	lastError    string

	latencies    []time.Duration
	latencyNext  int
	latencyCount int

	outcomes     []bool // true = failure
	outcomeNext  int
	outcomeCount int
}

func newRecord(cfg Config) *record {
	return &record{
		latencies: make([]time.Duration, cfg.LatencyWindow),
		outcomes:  make([]bool, cfg.Window),
	}
}

// Tracker owns the health records of all backends.
type Tracker struct {
	cfg     Config
	records sync.Map // backend id -> *record
	now     func() time.Time
}

// NewTracker creates a tracker. Zero fields in cfg take their defaults.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

func (t *Tracker) recordFor(backendID string) *record {
	if r, ok := t.records.Load(backendID); ok {
		return r.(*record)
	}
	r, _ := t.records.LoadOrStore(backendID, newRecord(t.cfg))
	return r.(*record)
}

// RecordAttempt applies one attempt to the backend's record and returns the
// resulting degraded flag.
func (t *Tracker) RecordAttempt(backendID string, a Attempt) bool {
	r := t.recordFor(backendID)

	r.mu.Lock()
	defer r.mu.Unlock()

	failed := a.Outcome == OutcomeFailure
	if failed {
		r.failures++
		r.lastFailure = t.now()
		r.lastError = a.Error
	} else {
		r.successes++
		r.totalCost += a.Cost
	}
	r.totalLatency += a.Latency

	r.latencies[r.latencyNext] = a.Latency
	r.latencyNext = (r.latencyNext + 1) % len(r.latencies)
	if r.latencyCount < len(r.latencies) {
		r.latencyCount++
	}

	r.outcomes[r.outcomeNext] = failed
	r.outcomeNext = (r.outcomeNext + 1) % len(r.outcomes)
	if r.outcomeCount < len(r.outcomes) {
		r.outcomeCount++
	}

	return t.degradedLocked(r)
}

// IsDegraded reports whether the backend's recent failure ratio or last
// latency sample exceeds the configured thresholds. Unknown backends are
// healthy.
func (t *Tracker) IsDegraded(backendID string) bool {
	v, ok := t.records.Load(backendID)
	if !ok {
		return false
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.degradedLocked(r)
}

// Snapshot returns a copy of the backend's record.
func (t *Tracker) Snapshot(backendID string) (Snapshot, bool) {
	v, ok := t.records.Load(backendID)
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(backendID, v.(*record)), true
}

// Snapshots returns copies of every known record.
func (t *Tracker) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	t.records.Range(func(key, value any) bool {
		id := key.(string)
		out[id] = t.snapshot(id, value.(*record))
		return true
	})
	return out
}

// Forget drops the record of a backend that is no longer registered.
func (t *Tracker) Forget(backendID string) {
	t.records.Delete(backendID)
}

func (t *Tracker) snapshot(id string, r *record) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Backend:            id,
		Successes:          r.successes,
		Failures:           r.failures,
		Requests:           r.successes + r.failures,
		LastLatency:        r.lastLatencyLocked(),
		Latencies:          r.latencySamplesLocked(),
		RecentFailureRatio: r.failureRatioLocked(),
		LastFailure:        r.lastFailure,
		LastError:          r.lastError,
		TotalCost:          r.totalCost,
		Degraded:           t.degradedLocked(r),
	}
	if s.Requests > 0 {
		s.AverageLatency = r.totalLatency / time.Duration(s.Requests)
	}
	return s
}

// degradedLocked MUST be called with r.mu locked.
func (t *Tracker) degradedLocked(r *record) bool {
	if r.outcomeCount >= t.cfg.MinAttempts && r.failureRatioLocked() > t.cfg.FailureRatio {
		return true
	}
	if t.cfg.LatencyThreshold > 0 && r.latencyCount > 0 && r.lastLatencyLocked() > t.cfg.LatencyThreshold {
		return true
	}
	return false
}

func (r *record) failureRatioLocked() float64 {
	if r.outcomeCount == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < r.outcomeCount; i++ {
		if r.outcomes[i] {
			failed++
		}
	}
	return float64(failed) / float64(r.outcomeCount)
}

func (r *record) lastLatencyLocked() time.Duration {
	if r.latencyCount == 0 {
		return 0
	}
	idx := (r.latencyNext - 1 + len(r.latencies)) % len(r.latencies)
	return r.latencies[idx]
}

// latencySamplesLocked returns the ring contents oldest first.
func (r *record) latencySamplesLocked() []time.Duration {
	out := make([]time.Duration, 0, r.latencyCount)
	start := 0
	if r.latencyCount == len(r.latencies) {
		start = r.latencyNext
	}
	for i := 0; i < r.latencyCount; i++ {
		out = append(out, r.latencies[(start+i)%len(r.latencies)])
	}
	return out
}
