// Package reliability maintains a slowly adapting trust weight per source.
package reliability

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

const (
	MinReliability = 0.1
	MaxReliability = 1.0

	successStep = 0.05
	failureStep = 0.10

	highAgreement = 0.8
	lowAgreement  = 0.5
	bonus         = 1.05
	penalty       = 0.9
	minAdjustment = 0.25
	maxAdjustment = 2.0
)

// State is the learned part of a source's reliability.
type State struct {
	SuccessRate float64 `json:"success_rate"`
	Adjustment  float64 `json:"adjustment"`
}

func initialState() State {
	return State{SuccessRate: 1, Adjustment: 1}
}

// Store persists scorer state between restarts.
type Store interface {
	Load(ctx context.Context) (map[string]State, error)
	Save(ctx context.Context, sourceID string, st State) error
}

// Scorer tracks fetch success and cross-source agreement per source. Each
// update touches a single source under the mutex, so concurrent cycles
// never observe a half-applied change.
type Scorer struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	state map[string]State
}

// NewScorer creates a scorer. store may be nil for in-memory operation.
func NewScorer(store Store, metrics *observability.Metrics, logger *slog.Logger) *Scorer {
	return &Scorer{
		store:   store,
		metrics: metrics,
		logger:  logger,
		state:   make(map[string]State),
	}
}

// Restore loads persisted state. Values are clamped into their valid
// ranges; a load failure leaves the scorer at defaults.
func (s *Scorer) Restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	loaded, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("reliability state load failed, starting fresh", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range loaded {
		s.state[id] = State{
			SuccessRate: clamp(st.SuccessRate, 0, 1),
			Adjustment:  clamp(st.Adjustment, minAdjustment, maxAdjustment),
		}
	}
	s.logger.Info("reliability state restored", "sources", len(loaded))
}

// Seed resets a source's success rate to 1, as after a successful probe.
// The agreement adjustment is kept.
func (s *Scorer) Seed(ctx context.Context, id string) {
	s.update(ctx, id, func(st *State) { st.SuccessRate = 1 })
}

// RecordFetch nudges the success rate up on success and down, faster, on
// failure. It returns the new rate.
func (s *Scorer) RecordFetch(ctx context.Context, id string, ok bool) float64 {
	st := s.update(ctx, id, func(st *State) {
		if ok {
			st.SuccessRate = math.Min(1, st.SuccessRate+successStep)
		} else {
			st.SuccessRate = math.Max(0, st.SuccessRate-failureStep)
		}
	})
	return st.SuccessRate
}

// ApplyAgreement rewards or penalizes the given sources by the cycle's
// overall agreement. Agreement between the thresholds leaves them as is.
func (s *Scorer) ApplyAgreement(ctx context.Context, ids []string, overall float64) {
	var factor float64
	switch {
	case overall > highAgreement:
		factor = bonus
	case overall < lowAgreement:
		factor = penalty
	default:
		return
	}
	for _, id := range ids {
		s.update(ctx, id, func(st *State) {
			st.Adjustment = clamp(st.Adjustment*factor, minAdjustment, maxAdjustment)
		})
	}
}

// Effective returns base × success rate × adjustment clamped to
// [MinReliability, MaxReliability].
func (s *Scorer) Effective(src domain.Source) float64 {
	st := s.State(src.ID)
	return clamp(src.BaseReliability*st.SuccessRate*st.Adjustment, MinReliability, MaxReliability)
}

// Snapshot returns the effective reliability of every given source.
func (s *Scorer) Snapshot(sources []domain.Source) map[string]float64 {
	out := make(map[string]float64, len(sources))
	for _, src := range sources {
		r := s.Effective(src)
		out[src.ID] = r
		s.metrics.SourceReliability.WithLabelValues(src.ID).Set(r)
	}
	return out
}

// State returns a source's current learned state.
func (s *Scorer) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[id]; ok {
		return st
	}
	return initialState()
}

func (s *Scorer) update(ctx context.Context, id string, fn func(*State)) State {
	s.mu.Lock()
	st, ok := s.state[id]
	if !ok {
		st = initialState()
	}
	fn(&st)
	s.state[id] = st
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(ctx, id, st); err != nil {
			s.logger.Warn("reliability state save failed", "source_id", id, "error", err)
		}
	}
	return st
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
