// internal/trust/baseline.go
package trust

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BaselineSource computes the mean silence ratio over all players with at least one game.
type BaselineSource interface {
	GlobalSilenceRatio(ctx context.Context) (float64, error)
}

// Baseline caches the global silence ratio. It refreshes lazily when the cached value
// is older than the refresh interval, and eagerly when Run is active.
type Baseline struct {
	src      BaselineSource
	params   Params
	interval time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time

	mu        sync.RWMutex
	value     float64
	fetchedAt time.Time
	retryAt   time.Time // after a failed refresh, Get serves the cached value until then
}

// failureBackoff spaces out refresh attempts while the source is failing.
const failureBackoff = 5 * time.Second

// NewBaseline creates a Baseline that starts at the fallback ratio.
func NewBaseline(src BaselineSource, params Params, interval time.Duration, logger logrus.FieldLogger) *Baseline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	params = params.withDefaults()
	return &Baseline{
		src:      src,
		params:   params,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		value:    params.FallbackBaseline,
	}
}

// Get returns the cached ratio, refreshing it first if it is stale.
func (b *Baseline) Get(ctx context.Context) float64 {
	b.mu.RLock()
	v, at, retryAt := b.value, b.fetchedAt, b.retryAt
	b.mu.RUnlock()
	now := b.now()
	if !at.IsZero() && now.Sub(at) < b.interval {
		return v
	}
	if now.Before(retryAt) {
		return v
	}
	return b.Refresh(ctx)
}

// Refresh recomputes the ratio from the source. On error the previous value is kept and
// Get stops asking the source for a short while.
func (b *Baseline) Refresh(ctx context.Context) float64 {
	raw, err := b.src.GlobalSilenceRatio(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.logger.WithError(err).Warn("global baseline refresh failed, keeping previous value")
		backoff := failureBackoff
		if b.interval < backoff {
			backoff = b.interval
		}
		b.retryAt = b.now().Add(backoff)
		return b.value
	}
	b.value = b.params.NormalizeBaseline(raw)
	b.fetchedAt = b.now()
	b.retryAt = time.Time{}
	return b.value
}

// Run refreshes the baseline on every interval until ctx is done.
func (b *Baseline) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refresh(ctx)
		}
	}
}
