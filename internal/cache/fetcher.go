package cache

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

// Fetcher wraps a domain.Fetcher with the bucketed Store. Concurrent misses
// for the same bucket share one upstream call. When the upstream fails and
// the store still holds an earlier batch for the source, that batch is
// returned with Stale and Degraded set instead of the error.
type Fetcher struct {
	inner   domain.Fetcher
	store   *Store
	clock   clockwork.Clock
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewFetcher creates a caching decorator around inner.
func NewFetcher(inner domain.Fetcher, store *Store, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		inner:   inner,
		store:   store,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, src domain.Source) (domain.Batch, error) {
	key := Key(src.ID, f.clock.Now())
	if b, ok := f.store.Get(key); ok {
		f.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	}

	// The shared call is detached from any one caller's cancellation; each
	// caller stops waiting on its own ctx. The inner fetcher's timeout
	// bounds the call itself.
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		if b, ok := f.store.Get(key); ok {
			return b, nil
		}
		b, err := f.inner.Fetch(shared, src)
		if err != nil {
			return nil, err
		}
		f.store.Put(key, b)
		return b, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.Batch{}, ctx.Err()
	}
	if res.Err == nil {
		f.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return res.Val.(domain.Batch), nil
	}
	err := res.Err

	prev, ok := f.store.Latest(src.ID)
	if !ok {
		return domain.Batch{}, err
	}
	f.metrics.CacheLookups.WithLabelValues("stale").Inc()
	f.logger.Warn("fetch failed, serving stale cache entry with reduced confidence",
		"source_id", src.ID,
		"error", err,
		"fetched_at", prev.FetchedAt,
	)
	return markStale(prev), nil
}

// markStale copies b with every event flagged degraded, leaving the cached
// value untouched.
func markStale(b domain.Batch) domain.Batch {
	events := make([]domain.Event, len(b.Events))
	for i, ev := range b.Events {
		ev.Degraded = true
		events[i] = ev
	}
	b.Events = events
	b.Stale = true
	b.Degraded = true
	return b
}
