// Package registry tracks the configured data sources and their health.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// DefaultProbeTimeout bounds a single connectivity check.
const DefaultProbeTimeout = 10 * time.Second

// Status thresholds on the rolling success rate.
const (
	degradedBelow    = 0.5
	unreachableBelow = 0.3
)

var (
	ErrEmptyID           = errors.New("source id is empty")
	ErrDuplicateID       = errors.New("duplicate source id")
	ErrUnknownCategory   = errors.New("unknown source category")
	ErrInvalidBase       = errors.New("base reliability must be in [0, 1]")
	ErrUnknownSource     = errors.New("unknown source")
	ErrAlreadyRegistered = errors.New("sources already registered")
)

// Prober performs a lightweight connectivity check against a source.
type Prober interface {
	Probe(ctx context.Context, src domain.Source) error
}

// Registry holds the static source descriptors and their mutable health.
type Registry struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	order   []string
	sources map[string]domain.Source
	health  map[string]*domain.SourceHealth
}

// New creates an empty registry. A zero timeout selects DefaultProbeTimeout.
func New(clock clockwork.Clock, logger *slog.Logger, probeTimeout time.Duration) *Registry {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Registry{
		clock:   clock,
		logger:  logger,
		timeout: probeTimeout,
		sources: make(map[string]domain.Source),
		health:  make(map[string]*domain.SourceHealth),
	}
}

// Register loads static descriptors. It performs no I/O; every source
// starts unreachable until a probe succeeds.
func (r *Registry) Register(sources []domain.Source) error {
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if err := validate(s); err != nil {
			return fmt.Errorf("register %q: %w", s.ID, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("register %q: %w", s.ID, ErrDuplicateID)
		}
		seen[s.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sources) > 0 {
		return ErrAlreadyRegistered
	}
	for _, s := range sources {
		r.order = append(r.order, s.ID)
		r.sources[s.ID] = s
		r.health[s.ID] = &domain.SourceHealth{Status: domain.StatusUnreachable}
	}
	return nil
}

func validate(s domain.Source) error {
	if s.ID == "" {
		return ErrEmptyID
	}
	if !s.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, s.Category)
	}
	if s.BaseReliability < 0 || s.BaseReliability > 1 {
		return ErrInvalidBase
	}
	return nil
}

// Probe checks every registered source concurrently and returns the number
// that are active afterwards.
func (r *Registry) Probe(ctx context.Context, prober Prober) int {
	return r.probe(ctx, prober, r.Sources())
}

// ReprobeInactive checks only the sources currently outside the active set.
func (r *Registry) ReprobeInactive(ctx context.Context, prober Prober) int {
	var inactive []domain.Source
	r.mu.RLock()
	for _, id := range r.order {
		if r.health[id].Status == domain.StatusUnreachable {
			inactive = append(inactive, r.sources[id])
		}
	}
	r.mu.RUnlock()
	if len(inactive) == 0 {
		return len(r.Active())
	}
	return r.probe(ctx, prober, inactive)
}

func (r *Registry) probe(ctx context.Context, prober Prober, sources []domain.Source) int {
	// Probe failures are recorded per source, never returned.
	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			r.markProbe(src.ID, prober.Probe(pctx, src))
			return nil
		})
	}
	_ = g.Wait()

	active := len(r.Active())
	r.logger.Info("sources probed", "probed", len(sources), "active", active)
	return active
}

func (r *Registry) markProbe(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[id]
	h.Probed = true
	if err != nil {
		h.Status = domain.StatusUnreachable
		h.LastError = err.Error()
		r.logger.Warn("source probe failed", "source_id", id, "error", err)
		return
	}
	h.Status = domain.StatusActive
	h.SuccessRate = 1.0
	h.LastContact = r.clock.Now()
	h.LastError = ""
}

// RecordFetch updates a source's health after a fetch attempt. successRate
// is the rolling rate maintained by the reliability scorer.
func (r *Registry) RecordFetch(id string, ok bool, successRate float64, fetchErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, found := r.health[id]
	if !found {
		return
	}
	h.SuccessRate = successRate
	if ok {
		h.LastContact = r.clock.Now()
		h.LastError = ""
		h.Status = domain.StatusActive
		if successRate < degradedBelow {
			h.Status = domain.StatusDegraded
		}
		return
	}
	if fetchErr != nil {
		h.LastError = fetchErr.Error()
	}
	h.Status = domain.StatusDegraded
	if successRate < unreachableBelow {
		h.Status = domain.StatusUnreachable
	}
}

// Active returns the sources eligible for fetching, in registration order.
// Degraded sources stay in the active set.
func (r *Registry) Active() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Source, 0, len(r.order))
	for _, id := range r.order {
		if r.health[id].Status != domain.StatusUnreachable {
			out = append(out, r.sources[id])
		}
	}
	return out
}

// Sources returns every registered source in registration order.
func (r *Registry) Sources() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// Source looks up a descriptor by id.
func (r *Registry) Source(id string) (domain.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return domain.Source{}, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return s, nil
}

// Health returns a copy of a source's current health.
func (r *Registry) Health(id string) (domain.SourceHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[id]
	if !ok {
		return domain.SourceHealth{}, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return *h, nil
}

// HealthSnapshot returns a copy of every source's health keyed by id.
func (r *Registry) HealthSnapshot() map[string]domain.SourceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.SourceHealth, len(r.health))
	for id, h := range r.health {
		out[id] = *h
	}
	return out
}
