package providerpool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/common"
)

const probeTimeout = 5 * time.Second

// Prober runs health probes against every registered provider on a
// fixed interval, independent of request traffic. Probe outcomes feed
// the same consecutive-error counter as operational failures.
type Prober struct {
	pool     *Pool
	interval time.Duration
	logger   *logrus.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewProber(pool *Pool, interval time.Duration, logger *logrus.Logger) *Prober {
	if interval <= 0 {
		interval = common.DefaultProbeInterval
	}
	return &Prober{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one probe loop per currently-registered provider.
// Providers registered after Start are not probed; register the pool
// membership before starting the prober.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, provider := range p.pool.providers() {
		p.wg.Add(1)
		go p.probeLoop(provider)
	}
	p.logger.WithField("interval", p.interval.String()).Info("health prober started")
}

func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("health prober stopped")
}

func (p *Prober) probeLoop(provider Provider) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce(provider)
		}
	}
}

func (p *Prober) probeOnce(provider Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := provider.HealthProbe(ctx)
	p.pool.recordProbe(provider.Name(), err)
	if err != nil {
		p.logger.WithField("provider", provider.Name()).WithError(err).Debug("health probe failed")
	}
}
