// Package engine drives periodic verification cycles and realtime checks
// of live events across all registered sources.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/quake-consensus-service/internal/cache"
	"github.com/couchcryptid/quake-consensus-service/internal/consensus"
	"github.com/couchcryptid/quake-consensus-service/internal/correlation"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
	"github.com/couchcryptid/quake-consensus-service/internal/registry"
	"github.com/couchcryptid/quake-consensus-service/internal/reliability"
)

// State is the engine's position in a verification cycle.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateCorrelating    State = "correlating"
	StateScoring        State = "scoring"
	StateConsensusBuilt State = "consensus-built"
)

// ErrAlreadyRunning is returned by Start when the scheduler is active.
var ErrAlreadyRunning = errors.New("verification already running")

// Config tunes scheduling and thresholds.
type Config struct {
	VerifyInterval    time.Duration
	ReprobeInterval   time.Duration
	FetchTimeout      time.Duration
	HistorySize       int
	RequiredAgreement float64
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		VerifyInterval:    60 * time.Second,
		ReprobeInterval:   10 * time.Minute,
		FetchTimeout:      15 * time.Second,
		HistorySize:       100,
		RequiredAgreement: 0.6,
	}
}

// Deps are the collaborators an Engine orchestrates.
type Deps struct {
	Registry *registry.Registry
	Prober   registry.Prober
	Fetcher  domain.Fetcher
	Cache    *cache.Store
	Scorer   *reliability.Scorer
	Builder  *consensus.Builder
	Bus      *events.Bus
	Clock    clockwork.Clock
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Engine owns the verification state: history, lifecycle, and the wiring
// between registry, fetchers, correlator, scorer, and builder.
type Engine struct {
	Deps
	cfg        Config
	correlator *correlation.Correlator
	realtime   *correlation.Correlator

	state     atomic.Value // State
	cycling   atomic.Bool  // a periodic cycle is in flight
	ready     atomic.Bool
	noSources atomic.Bool
	cycles    atomic.Int64

	mu      sync.RWMutex
	history []domain.VerificationResult

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	periodic := correlation.DefaultParams()
	periodic.RequiredAgreement = cfg.RequiredAgreement
	live := correlation.RealtimeParams()
	live.RequiredAgreement = cfg.RequiredAgreement

	e := &Engine{
		Deps:       deps,
		cfg:        cfg,
		correlator: correlation.New(periodic),
		realtime:   correlation.New(live),
	}
	e.state.Store(StateIdle)
	return e
}

// State returns the current cycle stage.
func (e *Engine) State() State {
	return e.state.Load().(State)
}

func (e *Engine) setState(s State) {
	e.state.Store(s)
}

// Initialize probes every source and seeds the scorer for those that
// answered. It returns the active count.
func (e *Engine) Initialize(ctx context.Context) int {
	e.Scorer.Restore(ctx)
	active := e.Registry.Probe(ctx, e.Prober)
	for _, src := range e.Registry.Active() {
		e.Scorer.Seed(ctx, src.ID)
	}
	e.Metrics.ActiveSources.Set(float64(active))
	e.noSources.Store(active == 0)
	if active == 0 {
		e.Logger.Warn("no data sources available")
	}
	return active
}

// CheckReadiness returns nil once a verification cycle has completed.
func (e *Engine) CheckReadiness(_ context.Context) error {
	if !e.ready.Load() {
		return errors.New("no verification cycle has completed yet")
	}
	return nil
}

// Start runs the scheduler in the background until Stop is called or ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	return nil
}

// Stop cancels the scheduler and waits for it to exit. In-flight fetches
// are abandoned.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run executes a cycle immediately and then on every tick until ctx is
// cancelled. Inactive sources are re-probed on a slower interval.
func (e *Engine) Run(ctx context.Context) error {
	e.Logger.Info("verification engine started", "interval", e.cfg.VerifyInterval)
	e.Metrics.EngineRunning.Set(1)
	defer e.Metrics.EngineRunning.Set(0)

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		if !e.cycling.CompareAndSwap(false, true) {
			e.Logger.Warn("previous verification cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.cycling.Store(false)
			e.PerformCycle(ctx)
		}()
	}

	ticker := e.Clock.NewTicker(e.cfg.VerifyInterval)
	defer ticker.Stop()
	var reprobe <-chan time.Time
	if e.cfg.ReprobeInterval > 0 {
		rt := e.Clock.NewTicker(e.cfg.ReprobeInterval)
		defer rt.Stop()
		reprobe = rt.Chan()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			e.Logger.Info("verification engine stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			tick()
		case <-reprobe:
			e.reprobe(ctx)
		}
	}
}

func (e *Engine) reprobe(ctx context.Context) {
	before := make(map[string]bool)
	for _, src := range e.Registry.Active() {
		before[src.ID] = true
	}
	active := e.Registry.ReprobeInactive(ctx, e.Prober)
	for _, src := range e.Registry.Active() {
		if !before[src.ID] {
			e.Scorer.Seed(ctx, src.ID)
			e.Logger.Info("source recovered", "source_id", src.ID)
		}
	}
	e.Metrics.ActiveSources.Set(float64(active))
}

type fetchOutcome struct {
	source domain.Source
	batch  domain.Batch
	err    error
}

// fetchAll fetches every source concurrently. A failing source never
// affects the others.
func (e *Engine) fetchAll(ctx context.Context, sources []domain.Source) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			fctx := ctx
			if e.cfg.FetchTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
				defer cancel()
			}
			b, err := e.Fetcher.Fetch(fctx, src)
			outcomes[i] = fetchOutcome{source: src, batch: b, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// PerformCycle runs fetch, correlate, score, and build once. It never
// returns an error: failures are recorded in the result and source health.
// A cycle cancelled before scoring reports CycleAborted and leaves scorer
// state untouched.
func (e *Engine) PerformCycle(ctx context.Context) domain.VerificationResult {
	start := e.Clock.Now()
	defer e.setState(StateIdle)

	res := domain.VerificationResult{
		ID:        uuid.NewString(),
		Timestamp: start,
		Agreement: 1,
	}

	active := e.Registry.Active()
	res.ActiveSources = len(active)
	e.Metrics.ActiveSources.Set(float64(len(active)))
	if len(active) == 0 {
		e.noSources.Store(true)
		res.Status = domain.CycleNoSources
		res.Reliability = e.Scorer.Snapshot(e.Registry.Sources())
		e.Metrics.CyclesTotal.WithLabelValues(string(res.Status)).Inc()
		e.Logger.Warn("no data sources available, skipping verification cycle")
		return res
	}
	e.noSources.Store(false)

	e.setState(StateFetching)
	outcomes := e.fetchAll(ctx, active)
	if ctx.Err() != nil {
		return e.abort(res)
	}

	e.setState(StateCorrelating)
	var (
		sets      []correlation.SourceEvents
		allEvents []domain.Event
	)
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		sets = append(sets, correlation.SourceEvents{Source: o.source, Events: o.batch.Events})
		allEvents = append(allEvents, o.batch.Events...)
	}
	report := e.correlator.Correlate(sets)
	if ctx.Err() != nil {
		return e.abort(res)
	}

	e.setState(StateScoring)
	for _, o := range outcomes {
		ok := o.err == nil && !o.batch.Stale
		rate := e.Scorer.RecordFetch(ctx, o.source.ID, ok)
		e.Registry.RecordFetch(o.source.ID, ok, rate, o.err)
		if !ok {
			res.FailedSources = append(res.FailedSources, o.source.ID)
			e.Logger.Warn("source fetch failed", "source_id", o.source.ID, "error", o.err, "stale", o.batch.Stale)
		}
	}
	if len(report.Pairs) > 0 {
		var contributing []string
		for _, s := range sets {
			if len(s.Events) > 0 {
				contributing = append(contributing, s.Source.ID)
			}
		}
		e.Scorer.ApplyAgreement(ctx, contributing, report.Overall)
	}
	res.Reliability = e.Scorer.Snapshot(e.Registry.Sources())

	res.Consensus = e.Builder.Build(ctx, consensus.Input{
		Events:          allEvents,
		Matches:         report.Matches,
		Reliability:     res.Reliability,
		SourcesWithData: report.SourcesWithData,
	})
	e.setState(StateConsensusBuilt)

	now := e.Clock.Now()
	for _, d := range report.Discrepancies {
		d.ID = uuid.NewString()
		d.DetectedAt = now
		res.Discrepancies = append(res.Discrepancies, d)
	}
	res.Status = domain.CycleOK
	res.SourceCount = report.SourcesWithData
	res.Agreement = report.Overall
	res.Pairs = report.Pairs
	res.Matches = report.Matches
	res.Duration = e.Clock.Since(start)

	e.record(res)
	e.Logger.Info("verification cycle complete",
		"cycle_id", res.ID,
		"sources", res.SourceCount,
		"failed", len(res.FailedSources),
		"agreement", res.Agreement,
		"consensus_events", len(res.Consensus),
		"discrepancies", len(res.Discrepancies),
		"duration", res.Duration,
	)

	events.Publish(e.Bus, events.VerificationComplete, res)
	for _, d := range res.Discrepancies {
		e.Metrics.Discrepancies.WithLabelValues(string(d.Cause), "periodic").Inc()
		events.Publish(e.Bus, events.DiscrepancyDetected, d)
	}
	return res
}

func (e *Engine) abort(res domain.VerificationResult) domain.VerificationResult {
	res.Status = domain.CycleAborted
	e.Metrics.CyclesTotal.WithLabelValues(string(res.Status)).Inc()
	e.Logger.Info("verification cycle aborted", "cycle_id", res.ID)
	return res
}

func (e *Engine) record(res domain.VerificationResult) {
	e.mu.Lock()
	e.history = append(e.history, res)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]domain.VerificationResult(nil), e.history[over:]...)
	}
	e.mu.Unlock()

	e.cycles.Add(1)
	e.ready.Store(true)
	e.Metrics.CyclesTotal.WithLabelValues(string(res.Status)).Inc()
	e.Metrics.CycleDuration.Observe(res.Duration.Seconds())
	e.Metrics.CycleAgreement.Set(res.Agreement)
	e.Metrics.ConsensusEvents.Observe(float64(len(res.Consensus)))
}

// History returns the retained results, oldest first.
func (e *Engine) History() []domain.VerificationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.VerificationResult(nil), e.history...)
}

// Latest returns the most recent completed result.
func (e *Engine) Latest() (domain.VerificationResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) == 0 {
		return domain.VerificationResult{}, false
	}
	return e.history[len(e.history)-1], true
}

// Status summarizes the engine for collaborators.
func (e *Engine) Status() domain.SystemStatus {
	active := e.Registry.Active()
	st := domain.SystemStatus{
		ActiveSourceCount:      len(active),
		VerificationCycleCount: e.cycles.Load(),
		State:                  string(e.State()),
		NoDataSources:          e.noSources.Load(),
	}
	if e.Cache != nil {
		st.CacheSize = e.Cache.Len()
	}
	if last, ok := e.Latest(); ok {
		st.LastVerification = last.Timestamp
	}
	if len(active) > 0 {
		var sum float64
		for _, r := range e.Scorer.Snapshot(active) {
			sum += r
		}
		st.OverallReliability = sum / float64(len(active))
	}
	return st
}

// SourceHealth returns the current health of every registered source.
func (e *Engine) SourceHealth() map[string]domain.SourceHealth {
	return e.Registry.HealthSnapshot()
}
