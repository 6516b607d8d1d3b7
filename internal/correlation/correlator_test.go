package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

var (
	t0    = time.Date(2024, 1, 1, 7, 10, 0, 0, time.UTC)
	japan = domain.Region{MinLat: 20, MaxLat: 50, MinLon: 120, MaxLon: 155}
	chile = domain.Region{MinLat: -56, MaxLat: -17, MinLon: -76, MaxLon: -66}

	srcA = domain.Source{ID: "a", Category: domain.CategoryEarthquake, BaseReliability: 0.9}
	srcB = domain.Source{ID: "b", Category: domain.CategorySeismic, BaseReliability: 0.9}
	srcC = domain.Source{ID: "c", Category: domain.CategorySeismic, BaseReliability: 0.9}
)

func quake(id, source string, at time.Time, lat, lon float64, mag *float64) domain.Event {
	return domain.Event{
		ID:          id,
		SourceID:    source,
		Time:        at,
		Magnitude:   mag,
		Coordinates: domain.Coordinates{Lat: lat, Lon: lon},
	}
}

func TestCompare_TimeWindowBoundary(t *testing.T) {
	c := New(DefaultParams())
	a := quake("a1", "a", t0, 35, 139, domain.Float(5))

	m, ok := c.Compare(a, quake("b1", "b", t0.Add(15*time.Minute), 35, 139, domain.Float(5)))
	require.True(t, ok, "exactly at the window is still inside it")
	assert.InDelta(t, 0.0, m.TimeAgreement, 1e-9)

	m, ok = c.Compare(a, quake("b1", "b", t0.Add(-7*time.Minute-30*time.Second), 35, 139, domain.Float(5)))
	require.True(t, ok)
	assert.InDelta(t, 0.5, m.TimeAgreement, 1e-9)

	_, ok = c.Compare(a, quake("b1", "b", t0.Add(15*time.Minute+time.Second), 35, 139, domain.Float(5)))
	assert.False(t, ok)
}

func TestCompare_RealtimeWindowBoundary(t *testing.T) {
	c := New(RealtimeParams())
	a := quake("a1", "a", t0, 35, 139, nil)

	m, ok := c.Compare(a, quake("b1", "b", t0.Add(5*time.Minute), 35, 139, nil))
	require.True(t, ok)
	assert.InDelta(t, 0.5, m.TimeAgreement, 1e-9)

	_, ok = c.Compare(a, quake("b1", "b", t0, 36.5, 139, nil))
	assert.False(t, ok, "about 167 km is beyond the realtime ceiling")
}

func TestCompare_Components(t *testing.T) {
	c := New(DefaultParams())
	a := quake("a1", "a", t0, 35, 139, domain.Float(5.0))
	b := quake("b1", "b", t0.Add(time.Minute), 35, 139, domain.Float(5.4))

	m, ok := c.Compare(a, b)
	require.True(t, ok)
	assert.Equal(t, time.Minute, m.TimeDiff)
	assert.InDelta(t, 1-60.0/900, m.TimeAgreement, 1e-9)
	assert.InDelta(t, 1.0, m.LocationAgreement, 1e-9)
	assert.InDelta(t, 0.8, m.MagnitudeAgreement, 1e-9)
	assert.InDelta(t, (m.TimeAgreement+m.LocationAgreement+m.MagnitudeAgreement)/3, m.Agreement, 1e-9)
}

func TestCompare_MissingMagnitudeIsNeutral(t *testing.T) {
	c := New(DefaultParams())
	m, ok := c.Compare(
		quake("a1", "a", t0, 35, 139, domain.Float(7.5)),
		quake("b1", "b", t0, 35, 139, nil),
	)
	require.True(t, ok)
	assert.InDelta(t, 1.0, m.MagnitudeAgreement, 1e-9)
	assert.InDelta(t, 1.0, m.Agreement, 1e-9)
}

func TestCompare_DistanceCeiling(t *testing.T) {
	c := New(DefaultParams())
	// Tokyo to Sapporo, roughly 830 km.
	_, ok := c.Compare(quake("a1", "a", t0, 35.68, 139.65, nil), quake("b1", "b", t0, 43.06, 141.35, nil))
	assert.False(t, ok)
}

func TestCorrelate_FewerThanTwoSources(t *testing.T) {
	c := New(DefaultParams())

	for name, sets := range map[string][]SourceEvents{
		"none": nil,
		"one":  {{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35, 139, nil)}}},
		"one-with-data": {
			{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35, 139, nil)}},
			{Source: srcB},
		},
	} {
		t.Run(name, func(t *testing.T) {
			r := c.Correlate(sets)
			assert.InDelta(t, 1.0, r.Overall, 1e-9)
			assert.Empty(t, r.Pairs)
			assert.Empty(t, r.Discrepancies)
		})
	}
}

func TestCorrelate_AgreeingSources(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35.0, 139.0, domain.Float(5.0))}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0.Add(time.Minute), 35.2, 139.2, domain.Float(5.4))}},
	})

	require.Len(t, r.Pairs, 1)
	require.Len(t, r.Matches, 1)
	assert.Equal(t, 2, r.SourcesWithData)
	assert.Equal(t, "a", r.Pairs[0].SourceA)
	assert.Equal(t, "b", r.Pairs[0].SourceB)
	assert.Equal(t, 1, r.Pairs[0].Matches)
	assert.InDelta(t, r.Matches[0].Agreement, r.Overall, 1e-9)
	assert.Greater(t, r.Overall, 0.8)
	assert.Empty(t, r.Discrepancies)
}

func TestCorrelate_MagnitudeMismatchDiscrepancy(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 38, 142, domain.Float(7.0))}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0.Add(30*time.Second), 38, 142, domain.Float(3.0))}},
	})

	require.Len(t, r.Pairs, 1)
	assert.Less(t, r.Pairs[0].Agreement, 0.6)
	assert.Empty(t, r.Matches, "contradicting reports are not merged")
	require.Len(t, r.Discrepancies, 1)
	d := r.Discrepancies[0]
	assert.Equal(t, domain.CauseMagnitude, d.Cause)
	assert.Equal(t, "a", d.SourceA)
	assert.Equal(t, "b", d.SourceB)
	assert.InDelta(t, 0.6, d.Threshold, 1e-9)
}

func TestCorrelate_LocationMismatchDiscrepancy(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35.68, 139.65, domain.Float(6))}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0, 43.06, 141.35, domain.Float(6))}},
	})

	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, domain.CauseLocation, r.Discrepancies[0].Cause)
	assert.InDelta(t, 0.0, r.Overall, 1e-9)
}

func TestCorrelate_TimeMismatchDiscrepancy(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35, 139, nil)}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0.Add(2*time.Hour), 35, 139, nil)}},
	})

	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, domain.CauseTime, r.Discrepancies[0].Cause)
}

func TestCorrelate_OutsideCoverageSkipsPair(t *testing.T) {
	c := New(DefaultParams())
	a := srcA
	a.Coverage = japan
	b := srcB
	b.Coverage = chile

	r := c.Correlate([]SourceEvents{
		{Source: a, Events: []domain.Event{quake("a1", "a", t0, 35, 139, nil)}},
		{Source: b, Events: []domain.Event{quake("b1", "b", t0, -33, -71, nil)}},
	})

	assert.Empty(t, r.Pairs)
	assert.Empty(t, r.Discrepancies)
	assert.InDelta(t, 1.0, r.Overall, 1e-9)
}

func TestCorrelate_OnlyCoveredEventsCompared(t *testing.T) {
	c := New(DefaultParams())
	a := srcA
	a.Coverage = japan

	r := c.Correlate([]SourceEvents{
		{Source: a, Events: []domain.Event{quake("a1", "a", t0, 35, 139, domain.Float(5))}},
		{Source: srcB, Events: []domain.Event{
			quake("b1", "b", t0, 35.1, 139.1, domain.Float(5.1)),
			quake("b2", "b", t0, -33, -71, domain.Float(6.0)),
		}},
	})

	require.Len(t, r.Pairs, 1)
	assert.Equal(t, 1, r.Pairs[0].Matches)
	assert.Empty(t, r.Discrepancies, "the Chile event is outside a's coverage")
}

func TestCorrelate_OneToOneMatching(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 35, 139, domain.Float(5))}},
		{Source: srcB, Events: []domain.Event{
			quake("b1", "b", t0.Add(5*time.Minute), 35.3, 139.3, domain.Float(5.5)),
			quake("b2", "b", t0.Add(10*time.Second), 35, 139, domain.Float(5)),
		}},
	})

	require.Len(t, r.Matches, 1)
	assert.Equal(t, "b2", r.Matches[0].B.ID, "best counterpart wins")
}

func TestCorrelate_OverallIsMeanOfPairs(t *testing.T) {
	c := New(DefaultParams())
	r := c.Correlate([]SourceEvents{
		{Source: srcA, Events: []domain.Event{quake("a1", "a", t0, 38, 142, domain.Float(7.0))}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0, 38, 142, domain.Float(7.0))}},
		{Source: srcC, Events: []domain.Event{quake("c1", "c", t0, 38, 142, domain.Float(3.0))}},
	})

	require.Len(t, r.Pairs, 3)
	var sum float64
	for _, p := range r.Pairs {
		sum += p.Agreement
	}
	assert.InDelta(t, sum/3, r.Overall, 1e-9)
	assert.InDelta(t, 1.0/3, r.Overall, 1e-9, "a-b agree fully, both contradict c")
	assert.Len(t, r.Discrepancies, 2)
}

func TestMatchOne(t *testing.T) {
	c := New(RealtimeParams())
	live := quake("live", "a", t0, 37.5, 137.2, domain.Float(7.5))

	res := c.MatchOne(live, []SourceEvents{
		{Source: srcA, Events: []domain.Event{live}},
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0, 37.5, 137.2, domain.Float(7.5))}},
		{Source: srcC, Events: []domain.Event{quake("c1", "c", t0.Add(time.Hour), 37.5, 137.2, domain.Float(7.5))}},
	})

	assert.Equal(t, 2, res.Compared, "own source is excluded")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "b1", res.Matches[0].B.ID)
	assert.InDelta(t, 0.5, res.Agreement, 1e-9)
	assert.Equal(t, domain.CauseTime, res.Cause)
}

func TestMatchOne_NoOtherData(t *testing.T) {
	c := New(RealtimeParams())
	live := quake("live", "a", t0, 37.5, 137.2, nil)

	res := c.MatchOne(live, []SourceEvents{{Source: srcB}})
	assert.Equal(t, 0, res.Compared)
	assert.InDelta(t, 1.0, res.Agreement, 1e-9)
}

func TestMatchOne_MagnitudeContradiction(t *testing.T) {
	c := New(RealtimeParams())
	live := quake("live", "a", t0, 38, 142, domain.Float(7.0))

	res := c.MatchOne(live, []SourceEvents{
		{Source: srcB, Events: []domain.Event{quake("b1", "b", t0, 38, 142, domain.Float(3.0))}},
	})
	assert.InDelta(t, 0.0, res.Agreement, 1e-9)
	assert.Equal(t, domain.CauseMagnitude, res.Cause)
}

func TestMatchOne_SkipsSourcesNotCoveringEvent(t *testing.T) {
	c := New(RealtimeParams())
	b := srcB
	b.Coverage = chile
	live := quake("live", "a", t0, 37.5, 137.2, nil)

	res := c.MatchOne(live, []SourceEvents{{Source: b, Events: []domain.Event{quake("b1", "b", t0, -33, -71, nil)}}})
	assert.Equal(t, 0, res.Compared)
	assert.InDelta(t, 1.0, res.Agreement, 1e-9)
}
