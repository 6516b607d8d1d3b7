package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/couchcryptid/quake-consensus-service/internal/correlation"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
)

// ErrInvalidEvent is returned for live events without a time, a source, or
// valid coordinates.
var ErrInvalidEvent = errors.New("invalid live event")

// RealtimeResult is the outcome of checking one live event.
type RealtimeResult struct {
	EventID     string                    `json:"event_id"`
	Agreement   float64                   `json:"agreement"`
	Compared    int                       `json:"compared_sources"`
	Matches     []domain.CorrelationMatch `json:"matches,omitempty"`
	Discrepancy *domain.Discrepancy       `json:"discrepancy,omitempty"`
}

// LiveOutcome labels the result of VerifyRealtime for metrics.
func LiveOutcome(res RealtimeResult, err error) string {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return "invalid"
	case err != nil:
		return "error"
	case res.Discrepancy != nil:
		return "discrepancy"
	default:
		return "verified"
	}
}

func validateLive(ev domain.Event) error {
	switch {
	case ev.SourceID == "":
		return fmt.Errorf("%w: missing source_id", ErrInvalidEvent)
	case ev.Time.IsZero():
		return fmt.Errorf("%w: missing time", ErrInvalidEvent)
	case ev.Coordinates.Lat < -90 || ev.Coordinates.Lat > 90 ||
		ev.Coordinates.Lon < -180 || ev.Coordinates.Lon > 180:
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidEvent)
	}
	return nil
}

// VerifyRealtime checks ev against the current data of every other active
// source. It may run concurrently with a periodic cycle. Fetch outcomes on
// this path do not feed the scorer.
func (e *Engine) VerifyRealtime(ctx context.Context, ev domain.Event) (RealtimeResult, error) {
	if err := validateLive(ev); err != nil {
		return RealtimeResult{}, err
	}

	var others []domain.Source
	for _, src := range e.Registry.Active() {
		if src.ID != ev.SourceID {
			others = append(others, src)
		}
	}

	var sets []correlation.SourceEvents
	for _, o := range e.fetchAll(ctx, others) {
		if o.err != nil {
			e.Logger.Debug("live check fetch failed", "source_id", o.source.ID, "error", o.err)
			continue
		}
		sets = append(sets, correlation.SourceEvents{Source: o.source, Events: o.batch.Events})
	}
	if err := ctx.Err(); err != nil {
		return RealtimeResult{}, fmt.Errorf("verify live event: %w", err)
	}

	check := e.realtime.MatchOne(ev, sets)
	res := RealtimeResult{
		EventID:   ev.ID,
		Agreement: check.Agreement,
		Compared:  check.Compared,
		Matches:   check.Matches,
	}
	if check.Agreement >= e.cfg.RequiredAgreement {
		return res, nil
	}

	live := ev
	d := domain.Discrepancy{
		ID:         uuid.NewString(),
		SourceA:    ev.SourceID,
		Cause:      check.Cause,
		Agreement:  check.Agreement,
		Threshold:  e.cfg.RequiredAgreement,
		DetectedAt: e.Clock.Now(),
		Realtime:   true,
		Event:      &live,
	}
	res.Discrepancy = &d
	e.Logger.Warn("live event disagrees with other sources",
		"event_id", ev.ID,
		"source_id", ev.SourceID,
		"agreement", check.Agreement,
		"cause", d.Cause,
	)
	e.Metrics.Discrepancies.WithLabelValues(string(d.Cause), "realtime").Inc()
	events.Publish(e.Bus, events.DiscrepancyDetected, d)
	return res, nil
}
