// Package correlation matches events reported independently by different
// sources and scores how well the sources agree.
package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// Params tunes a correlation pass.
type Params struct {
	TimeWindow        time.Duration
	MaxDistanceKm     float64
	LocationScaleKm   float64 // distance at which location agreement reaches 0
	MagnitudeScale    float64 // magnitude difference at which agreement reaches 0
	RequiredAgreement float64
}

// DefaultParams are used for the periodic cross-source check.
func DefaultParams() Params {
	return Params{
		TimeWindow:        15 * time.Minute,
		MaxDistanceKm:     500,
		LocationScaleKm:   500,
		MagnitudeScale:    2,
		RequiredAgreement: 0.6,
	}
}

// RealtimeParams are the tighter thresholds for checking a single live event.
func RealtimeParams() Params {
	p := DefaultParams()
	p.TimeWindow = 10 * time.Minute
	p.MaxDistanceKm = 100
	return p
}

// SourceEvents is one source's comparable event set for a pass.
type SourceEvents struct {
	Source domain.Source
	Events []domain.Event
}

// Report is the read-only outcome of Correlate. Discrepancies carry source
// ids, cause, and scores; the caller stamps identity and time.
type Report struct {
	Matches         []domain.CorrelationMatch
	Pairs           []domain.PairAgreement
	Overall         float64
	Discrepancies   []domain.Discrepancy
	SourcesWithData int
}

// Correlator scores event pairs against a fixed set of Params.
type Correlator struct {
	params Params
}

// New creates a Correlator.
func New(p Params) *Correlator {
	return &Correlator{params: p}
}

// Params returns the thresholds in use.
func (c *Correlator) Params() Params {
	return c.params
}

// Compare scores two events. It returns false when they are further apart
// than the time window or the distance ceiling; such events are unrelated.
func (c *Correlator) Compare(a, b domain.Event) (domain.CorrelationMatch, bool) {
	dt := a.Time.Sub(b.Time)
	if dt < 0 {
		dt = -dt
	}
	if dt > c.params.TimeWindow {
		return domain.CorrelationMatch{}, false
	}
	dist := domain.Haversine(a.Coordinates, b.Coordinates)
	if dist > c.params.MaxDistanceKm {
		return domain.CorrelationMatch{}, false
	}

	m := domain.CorrelationMatch{
		A:                  a,
		B:                  b,
		TimeDiff:           dt,
		DistanceKm:         dist,
		TimeAgreement:      math.Max(0, 1-float64(dt)/float64(c.params.TimeWindow)),
		LocationAgreement:  math.Max(0, 1-dist/c.params.LocationScaleKm),
		MagnitudeAgreement: 1,
	}
	if a.Magnitude != nil && b.Magnitude != nil {
		m.MagnitudeAgreement = math.Max(0, 1-math.Abs(*a.Magnitude-*b.Magnitude)/c.params.MagnitudeScale)
	}
	m.Agreement = (m.TimeAgreement + m.LocationAgreement + m.MagnitudeAgreement) / 3
	return m, true
}

// contradicts reports whether two in-bounds events disagree so badly on
// magnitude that they cannot describe the same occurrence.
func contradicts(m domain.CorrelationMatch) bool {
	return m.MagnitudeAgreement <= 0
}

// Correlate compares every unordered pair of sources that supplied events.
// With fewer than two such sources, or no comparable pair, overall
// agreement is 1.
func (c *Correlator) Correlate(sets []SourceEvents) Report {
	var withData []SourceEvents
	for _, s := range sets {
		if len(s.Events) > 0 {
			withData = append(withData, s)
		}
	}
	report := Report{Overall: 1, SourcesWithData: len(withData)}
	if len(withData) < 2 {
		return report
	}

	var sum float64
	for i := 0; i < len(withData); i++ {
		for j := i + 1; j < len(withData); j++ {
			pair, matches, ok := c.correlatePair(withData[i], withData[j])
			if !ok {
				continue
			}
			report.Pairs = append(report.Pairs, pair.PairAgreement)
			report.Matches = append(report.Matches, matches...)
			sum += pair.Agreement
			if pair.Agreement < c.params.RequiredAgreement {
				report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
					SourceA:   pair.SourceA,
					SourceB:   pair.SourceB,
					Cause:     pair.cause,
					Agreement: pair.Agreement,
					Threshold: c.params.RequiredAgreement,
				})
			}
		}
	}
	if len(report.Pairs) > 0 {
		report.Overall = sum / float64(len(report.Pairs))
	}
	return report
}

type pairResult struct {
	domain.PairAgreement
	cause domain.DiscrepancyCause
}

// correlatePair matches events one-to-one, best agreement first. It returns
// false when neither side has an event inside the other's coverage.
func (c *Correlator) correlatePair(a, b SourceEvents) (pairResult, []domain.CorrelationMatch, bool) {
	evA := covered(a.Events, b.Source.Coverage)
	evB := covered(b.Events, a.Source.Coverage)
	res := pairResult{PairAgreement: domain.PairAgreement{SourceA: a.Source.ID, SourceB: b.Source.ID}}
	if len(evA) == 0 && len(evB) == 0 {
		return res, nil, false
	}

	var (
		candidates    []domain.CorrelationMatch
		contradiction components
		nearInTime    bool
	)
	for _, ea := range evA {
		for _, eb := range evB {
			m, ok := c.Compare(ea, eb)
			if !ok {
				nearInTime = nearInTime || c.withinWindow(ea, eb)
				continue
			}
			if contradicts(m) {
				contradiction.add(m)
				continue
			}
			candidates = append(candidates, m)
		}
	}

	matches := greedy(candidates)
	switch {
	case len(matches) > 0:
		var all components
		for _, m := range matches {
			all.add(m)
		}
		res.Agreement = all.meanAgreement()
		res.Matches = len(matches)
		res.TimeAgreement, res.LocationAgreement, res.MagnitudeAgreement = all.means()
		res.cause = all.weakest()
	case contradiction.n > 0:
		res.TimeAgreement, res.LocationAgreement, res.MagnitudeAgreement = contradiction.means()
		res.cause = contradiction.weakest()
	case nearInTime:
		res.cause = domain.CauseLocation
	default:
		res.cause = domain.CauseTime
	}
	return res, matches, true
}

func (c *Correlator) withinWindow(a, b domain.Event) bool {
	dt := a.Time.Sub(b.Time)
	if dt < 0 {
		dt = -dt
	}
	return dt <= c.params.TimeWindow
}

// greedy keeps the highest-agreement candidates such that no event is used
// twice.
func greedy(candidates []domain.CorrelationMatch) []domain.CorrelationMatch {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Agreement > candidates[j].Agreement
	})
	usedA := make(map[string]bool)
	usedB := make(map[string]bool)
	var out []domain.CorrelationMatch
	for _, m := range candidates {
		if usedA[m.A.ID] || usedB[m.B.ID] {
			continue
		}
		usedA[m.A.ID] = true
		usedB[m.B.ID] = true
		out = append(out, m)
	}
	return out
}

func covered(events []domain.Event, r domain.Region) []domain.Event {
	if r.Global() {
		return events
	}
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if r.Contains(e.Coordinates.Lat, e.Coordinates.Lon) {
			out = append(out, e)
		}
	}
	return out
}

// components accumulates agreement sums for averaging.
type components struct {
	n                         int
	agreement, tm, loc, magni float64
}

func (c *components) add(m domain.CorrelationMatch) {
	c.n++
	c.agreement += m.Agreement
	c.tm += m.TimeAgreement
	c.loc += m.LocationAgreement
	c.magni += m.MagnitudeAgreement
}

func (c *components) meanAgreement() float64 {
	if c.n == 0 {
		return 0
	}
	return c.agreement / float64(c.n)
}

func (c *components) means() (tm, loc, magni float64) {
	if c.n == 0 {
		return 0, 0, 0
	}
	n := float64(c.n)
	return c.tm / n, c.loc / n, c.magni / n
}

// weakest names the component with the lowest mean. Ties resolve to
// location, then magnitude, then time.
func (c *components) weakest() domain.DiscrepancyCause {
	if c.n == 0 {
		return domain.CauseTime
	}
	tm, loc, magni := c.means()
	cause, low := domain.CauseLocation, loc
	if magni < low {
		cause, low = domain.CauseMagnitude, magni
	}
	if tm < low {
		cause = domain.CauseTime
	}
	return cause
}
