package correlation

import "github.com/couchcryptid/quake-consensus-service/internal/domain"

// LiveCheck is the outcome of verifying one live event against fresh data
// from the other sources.
type LiveCheck struct {
	Agreement float64
	Matches   []domain.CorrelationMatch
	Compared  int // sources that had events covering the live event
	Cause     domain.DiscrepancyCause
}

// MatchOne finds, per other source, the best counterpart of ev. Agreement is
// the mean of the best-match agreements, counting 0 for a source with no
// match; it is 1 when no other source had comparable events.
func (c *Correlator) MatchOne(ev domain.Event, sets []SourceEvents) LiveCheck {
	res := LiveCheck{Agreement: 1, Cause: domain.CauseTime}

	var (
		sum           float64
		matched       components
		contradiction components
		unmatched     bool
		nearInTime    bool
	)
	for _, s := range sets {
		if s.Source.ID == ev.SourceID || len(s.Events) == 0 {
			continue
		}
		if !s.Source.Coverage.Contains(ev.Coordinates.Lat, ev.Coordinates.Lon) {
			continue
		}
		res.Compared++

		var best *domain.CorrelationMatch
		for _, other := range s.Events {
			m, ok := c.Compare(ev, other)
			if !ok {
				nearInTime = nearInTime || c.withinWindow(ev, other)
				continue
			}
			if contradicts(m) {
				contradiction.add(m)
				continue
			}
			if best == nil || m.Agreement > best.Agreement {
				best = &m
			}
		}
		if best == nil {
			unmatched = true
			continue
		}
		sum += best.Agreement
		matched.add(*best)
		res.Matches = append(res.Matches, *best)
	}
	if res.Compared == 0 {
		return res
	}

	res.Agreement = sum / float64(res.Compared)
	switch {
	case !unmatched:
		res.Cause = matched.weakest()
	case contradiction.n > 0:
		res.Cause = contradiction.weakest()
	case nearInTime:
		res.Cause = domain.CauseLocation
	default:
		res.Cause = domain.CauseTime
	}
	return res
}
