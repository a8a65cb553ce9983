package providerpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/common"
	"github.com/edgeward/edgeward/pkg/infra/prometheus"
	"github.com/edgeward/edgeward/pkg/stats"
)

const defaultEwmaAlpha = 0.3

type Config struct {
	// FailureThreshold is the consecutive-error count at which a
	// provider is marked unhealthy. Probe failures and operational
	// failures share the counter.
	FailureThreshold int
	MaxAttempts      int
	EwmaAlpha        float64
}

// Criteria narrows Select to a subset of the pool.
type Criteria struct {
	Region string
}

// Record is a point-in-time snapshot of one provider's state, safe to
// serialize for the admin surface.
type Record struct {
	Name              string        `json:"name"`
	Region            string        `json:"region"`
	Healthy           bool          `json:"healthy"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Latency           time.Duration `json:"latency_ns"`
	LastCheck         time.Time     `json:"last_check"`
}

type record struct {
	provider          Provider
	healthy           bool
	consecutiveErrors int
	// ewmaMs is the rolling latency estimate in milliseconds. It is
	// kept across unhealthy spells so a recovered provider competes
	// with its last known latency rather than zero.
	ewmaMs     float64
	hasLatency bool
	lastCheck  time.Time
}

// Pool tracks health and latency for a set of interchangeable providers
// and picks the best available one per request. Pool state is process
// local; instances may briefly disagree about health, which Execute's
// retry loop tolerates.
type Pool struct {
	mu      sync.Mutex
	records map[string]*record
	config  Config
	logger  *logrus.Logger
	stats   *stats.Recorder

	timeProvider func() time.Time
}

func NewPool(config Config, logger *logrus.Logger, recorder *stats.Recorder) *Pool {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = common.DefaultFailureThreshold
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = common.DefaultMaxAttempts
	}
	if config.EwmaAlpha <= 0 || config.EwmaAlpha > 1 {
		config.EwmaAlpha = defaultEwmaAlpha
	}
	return &Pool{
		records:      make(map[string]*record),
		config:       config,
		logger:       logger,
		stats:        recorder,
		timeProvider: time.Now,
	}
}

// Register adds a provider in the optimistic Healthy state.
func (p *Pool) Register(provider Provider) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := provider.Name()
	if _, exists := p.records[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	p.records[name] = &record{
		provider: provider,
		healthy:  true,
	}
	prometheus.ProviderHealthy.WithLabelValues(name).Set(1)
	p.logger.WithFields(logrus.Fields{
		"provider": name,
		"region":   provider.Region(),
	}).Info("provider registered")
	return nil
}

func (p *Pool) Deregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, name)
	prometheus.ProviderHealthy.DeleteLabelValues(name)
}

// Select returns the healthy provider with the lowest rolling latency
// estimate matching the criteria. Providers with no estimate yet sort
// first so fresh providers get traffic.
func (p *Pool) Select(criteria *Criteria) (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(criteria, nil)
}

// selectLocked must be called with the mutex held. tried excludes
// providers already attempted in the current Execute loop.
func (p *Pool) selectLocked(criteria *Criteria, tried map[string]bool) (Provider, error) {
	var best *record
	for name, rec := range p.records {
		if !rec.healthy || tried[name] {
			continue
		}
		if criteria != nil && criteria.Region != "" && rec.provider.Region() != criteria.Region {
			continue
		}
		if best == nil || less(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNoProviderAvailable
	}
	return best.provider, nil
}

func less(a, b *record) bool {
	if a.hasLatency != b.hasLatency {
		return !a.hasLatency
	}
	return a.ewmaMs < b.ewmaMs
}

// Execute runs the operation against the best provider, failing over to
// the next-best on error up to MaxAttempts. Each failure increments the
// tried provider's consecutive-error count.
func (p *Pool) Execute(ctx context.Context, req *Request) (*Response, error) {
	return p.ExecuteWith(ctx, nil, req)
}

func (p *Pool) ExecuteWith(ctx context.Context, criteria *Criteria, req *Request) (*Response, error) {
	tried := make(map[string]bool)
	var attempts []AttemptError

	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		p.mu.Lock()
		provider, err := p.selectLocked(criteria, tried)
		p.mu.Unlock()
		if err != nil {
			if len(attempts) == 0 {
				return nil, err
			}
			break
		}

		name := provider.Name()
		tried[name] = true

		start := p.timeProvider()
		resp, execErr := provider.Execute(ctx, req)
		if execErr != nil {
			p.recordFailure(name, execErr)
			p.stats.RecordError(common.ScopeProvider)
			attempts = append(attempts, AttemptError{Provider: name, Err: execErr})
			p.logger.WithFields(logrus.Fields{
				"provider": name,
				"attempt":  attempt + 1,
			}).WithError(execErr).Warn("provider operation failed, trying next provider")
			continue
		}

		latency := p.timeProvider().Sub(start)
		p.recordSuccess(name, latency)
		p.stats.RecordHit(common.ScopeProvider)
		prometheus.ProviderLatency.WithLabelValues(name).Observe(float64(latency.Milliseconds()))
		return resp, nil
	}

	if len(attempts) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return nil, &ExecuteError{Attempts: attempts}
}

// Invalidate broadcasts the paths to every currently-healthy provider.
// Partial failures are collected rather than aborting the broadcast.
func (p *Pool) Invalidate(ctx context.Context, paths []string) error {
	p.mu.Lock()
	healthy := make([]Provider, 0, len(p.records))
	for _, rec := range p.records {
		if rec.healthy {
			healthy = append(healthy, rec.provider)
		}
	}
	p.mu.Unlock()

	if len(healthy) == 0 {
		return ErrNoProviderAvailable
	}

	var succeeded []string
	var failed []AttemptError
	for _, provider := range healthy {
		if err := provider.Invalidate(ctx, paths); err != nil {
			failed = append(failed, AttemptError{Provider: provider.Name(), Err: err})
			p.logger.WithField("provider", provider.Name()).WithError(err).Warn("provider invalidation failed")
			continue
		}
		succeeded = append(succeeded, provider.Name())
	}

	if len(failed) > 0 {
		return &InvalidationError{Succeeded: succeeded, Failed: failed}
	}
	return nil
}

// Records snapshots the pool for the admin surface and tests, sorted by
// provider name.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for name, rec := range p.records {
		out = append(out, Record{
			Name:              name,
			Region:            rec.provider.Region(),
			Healthy:           rec.healthy,
			ConsecutiveErrors: rec.consecutiveErrors,
			Latency:           time.Duration(rec.ewmaMs * float64(time.Millisecond)),
			LastCheck:         rec.lastCheck,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// recordSuccess resets the consecutive-error count and folds the sample
// into the rolling latency estimate. It does not flip an unhealthy
// provider back to healthy; only a successful probe does that.
func (p *Pool) recordSuccess(name string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[name]
	if !ok {
		return
	}
	rec.consecutiveErrors = 0
	sample := float64(latency.Microseconds()) / 1000.0
	if !rec.hasLatency {
		rec.ewmaMs = sample
		rec.hasLatency = true
	} else {
		rec.ewmaMs = p.config.EwmaAlpha*sample + (1-p.config.EwmaAlpha)*rec.ewmaMs
	}
}

func (p *Pool) recordFailure(name string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[name]
	if !ok {
		return
	}
	rec.consecutiveErrors++
	if rec.healthy && rec.consecutiveErrors >= p.config.FailureThreshold {
		rec.healthy = false
		prometheus.ProviderHealthy.WithLabelValues(name).Set(0)
		p.logger.WithFields(logrus.Fields{
			"provider":           name,
			"consecutive_errors": rec.consecutiveErrors,
		}).WithError(cause).Error("provider marked unhealthy")
	}
}

// recordProbe applies a probe outcome. One successful probe restores an
// unhealthy provider.
func (p *Pool) recordProbe(name string, err error) {
	p.mu.Lock()
	rec, ok := p.records[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.lastCheck = p.timeProvider()
	if err == nil {
		wasUnhealthy := !rec.healthy
		rec.healthy = true
		rec.consecutiveErrors = 0
		prometheus.ProviderHealthy.WithLabelValues(name).Set(1)
		p.mu.Unlock()
		if wasUnhealthy {
			p.logger.WithField("provider", name).Info("provider recovered")
		}
		return
	}
	rec.consecutiveErrors++
	becameUnhealthy := rec.healthy && rec.consecutiveErrors >= p.config.FailureThreshold
	if becameUnhealthy {
		rec.healthy = false
		prometheus.ProviderHealthy.WithLabelValues(name).Set(0)
	}
	errorCount := rec.consecutiveErrors
	p.mu.Unlock()

	if becameUnhealthy {
		p.logger.WithFields(logrus.Fields{
			"provider":           name,
			"consecutive_errors": errorCount,
		}).WithError(err).Error("provider marked unhealthy by probe")
	}
}

// providers snapshots the registered providers for the prober.
func (p *Pool) providers() []Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Provider, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec.provider)
	}
	return out
}
