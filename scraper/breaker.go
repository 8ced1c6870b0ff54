package scraper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"rival_scrooper/metrics"
)

// BreakerProvider stops calling the provider after repeated transport or
// server failures, failing fast until the cool-down passes.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerProvider(next Provider, consecutiveFailures int, cooldown time.Duration, log *zap.SugaredLogger) *BreakerProvider {
	if consecutiveFailures <= 0 {
		consecutiveFailures = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	name := "scrape-provider"
	log = log.Named("breaker")
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(consecutiveFailures)
		},
		// a rejected request says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProviderStatus) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &BreakerProvider{next: next, cb: cb}
}

func (b *BreakerProvider) ScrapeCompany(ctx context.Context, platform, url string) (*Result, error) {
	return b.result(b.cb.Execute(func() (any, error) { return b.next.ScrapeCompany(ctx, platform, url) }))
}

func (b *BreakerProvider) ScrapeProfile(ctx context.Context, platform, url string) (*Result, error) {
	return b.result(b.cb.Execute(func() (any, error) { return b.next.ScrapeProfile(ctx, platform, url) }))
}

func (b *BreakerProvider) DiscoverPosts(ctx context.Context, platform, url string, mode DiscoveryMode, rng *DateRange) (*Result, error) {
	return b.result(b.cb.Execute(func() (any, error) { return b.next.DiscoverPosts(ctx, platform, url, mode, rng) }))
}

func (b *BreakerProvider) CheckStatus(ctx context.Context, snapshotID string) (*StatusResult, error) {
	v, err := b.cb.Execute(func() (any, error) { return b.next.CheckStatus(ctx, snapshotID) })
	if err != nil {
		return nil, err
	}
	return v.(*StatusResult), nil
}

func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerProvider) result(v any, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
