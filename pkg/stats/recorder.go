package stats

import (
	"sync"

	"github.com/edgeward/edgeward/pkg/infra/prometheus"
)

// Snapshot is a point-in-time view of one scope's counters.
type Snapshot struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Errors   int64   `json:"errors"`
	HitRatio float64 `json:"hit_ratio"`
}

type counters struct {
	hits   int64
	misses int64
	errors int64
}

// Recorder keeps additive per-scope counters. Counters only grow until an
// explicit Reset. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	scopes map[string]*counters
}

func NewRecorder() *Recorder {
	return &Recorder{
		scopes: make(map[string]*counters),
	}
}

func (r *Recorder) RecordHit(scope string) {
	r.mu.Lock()
	r.scope(scope).hits++
	r.mu.Unlock()
	prometheus.AdmissionHitsTotal.WithLabelValues(scope).Inc()
}

func (r *Recorder) RecordMiss(scope string) {
	r.mu.Lock()
	r.scope(scope).misses++
	r.mu.Unlock()
	prometheus.AdmissionMissesTotal.WithLabelValues(scope).Inc()
}

func (r *Recorder) RecordError(scope string) {
	r.mu.Lock()
	r.scope(scope).errors++
	r.mu.Unlock()
	prometheus.AdmissionErrorsTotal.WithLabelValues(scope).Inc()
}

func (r *Recorder) Snapshot(scope string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.scopes[scope]
	if !ok {
		return Snapshot{}
	}
	return snapshotOf(c)
}

// SnapshotAll returns every known scope keyed by name.
func (r *Recorder) SnapshotAll() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.scopes))
	for name, c := range r.scopes {
		out[name] = snapshotOf(c)
	}
	return out
}

func (r *Recorder) Reset(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, scope)
}

// scope must be called with the mutex held.
func (r *Recorder) scope(name string) *counters {
	c, ok := r.scopes[name]
	if !ok {
		c = &counters{}
		r.scopes[name] = c
	}
	return c
}

func snapshotOf(c *counters) Snapshot {
	s := Snapshot{
		Hits:   c.hits,
		Misses: c.misses,
		Errors: c.errors,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}
