// Package consensus fuses correlated reports into weighted consensus events.
package consensus

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

const (
	// DefaultDegradedFactor scales the weight of events recovered from an
	// HTML page or a stale cache entry.
	DefaultDegradedFactor = 0.5

	// ConfidenceFloor is the confidence of a cluster whose total weight is
	// zero.
	ConfidenceFloor = 0.01
)

// Weights are per-category priors reflecting how authoritative each kind of
// source is, independent of measured reliability.
type Weights map[domain.Category]float64

// DefaultWeights ranks primary earthquake feeds highest and derived
// tsunami bulletins lowest.
func DefaultWeights() Weights {
	return Weights{
		domain.CategoryEarthquake: 1.0,
		domain.CategorySeismic:    0.8,
		domain.CategoryTsunami:    0.6,
	}
}

// WeightedEvent is one contributor to a merge.
type WeightedEvent struct {
	Event  domain.Event
	Weight float64
}

// Builder clusters matched events and merges each cluster.
type Builder struct {
	weights        Weights
	degradedFactor float64
	resolver       domain.PlaceResolver
	logger         *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithWeights overrides the category priors.
func WithWeights(w Weights) Option {
	return func(b *Builder) { b.weights = w }
}

// WithPlaceResolver enables reverse geocoding of consensus centroids.
func WithPlaceResolver(r domain.PlaceResolver) Option {
	return func(b *Builder) { b.resolver = r }
}

// NewBuilder creates a Builder with the default weights.
func NewBuilder(logger *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		weights:        DefaultWeights(),
		degradedFactor: DefaultDegradedFactor,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Weight is the category prior times the source reliability, reduced for
// degraded events.
func (b *Builder) Weight(ev domain.Event, reliability float64) float64 {
	w := b.weights[ev.Category] * reliability
	if ev.Degraded {
		w *= b.degradedFactor
	}
	return w
}

// Input is everything Build needs from one cycle.
type Input struct {
	Events          []domain.Event // every event from sources that supplied data
	Matches         []domain.CorrelationMatch
	Reliability     map[string]float64 // effective reliability by source id
	SourcesWithData int
}

// Build returns one consensus event per cluster of transitively matched
// events, oldest first. When fewer than two sources supplied events, each
// event passes through as its own cluster.
func (b *Builder) Build(ctx context.Context, in Input) []domain.ConsensusEvent {
	var clusters [][]domain.Event
	if in.SourcesWithData < 2 {
		for _, ev := range in.Events {
			clusters = append(clusters, []domain.Event{ev})
		}
	} else {
		clusters = cluster(in.Matches)
	}

	out := make([]domain.ConsensusEvent, 0, len(clusters))
	for _, members := range clusters {
		ws := make([]WeightedEvent, len(members))
		for i, ev := range members {
			ws[i] = WeightedEvent{Event: ev, Weight: b.Weight(ev, in.Reliability[ev.SourceID])}
		}
		ce := Merge(ws)
		out = append(out, domain.EnrichWithPlace(ctx, ce, b.resolver, b.logger))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// cluster groups matched events with union-find. Clusters are returned in
// order of first appearance.
func cluster(matches []domain.CorrelationMatch) [][]domain.Event {
	parent := make(map[string]string)
	events := make(map[string]domain.Event)
	var order []string

	var find func(string) string
	find = func(id string) string {
		for parent[id] != id {
			parent[id] = parent[parent[id]]
			id = parent[id]
		}
		return id
	}
	add := func(ev domain.Event) {
		if _, ok := parent[ev.ID]; !ok {
			parent[ev.ID] = ev.ID
			events[ev.ID] = ev
			order = append(order, ev.ID)
		}
	}

	for _, m := range matches {
		add(m.A)
		add(m.B)
		ra, rb := find(m.A.ID), find(m.B.ID)
		if ra != rb {
			parent[rb] = ra
		}
	}

	index := make(map[string]int)
	var out [][]domain.Event
	for _, id := range order {
		root := find(id)
		i, ok := index[root]
		if !ok {
			i = len(out)
			index[root] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], events[id])
	}
	return out
}

// Merge computes the weighted average of a cluster. Longitudes are averaged
// relative to the first contributor so clusters straddling the antimeridian
// stay put. Depth and magnitude are averaged over the contributors that
// carry them. Confidence is the
// total weight capped at 1; a cluster with no positive weight falls back to
// an unweighted mean with ConfidenceFloor.
func Merge(ws []WeightedEvent) domain.ConsensusEvent {
	if len(ws) == 0 {
		return domain.ConsensusEvent{}
	}

	var total float64
	for _, w := range ws {
		total += math.Max(0, w.Weight)
	}
	weight := func(w WeightedEvent) float64 { return math.Max(0, w.Weight) }
	confidence := math.Min(1, total)
	if total <= 0 {
		weight = func(WeightedEvent) float64 { return 1 }
		confidence = ConfidenceFloor
	}
	confidence = math.Max(ConfidenceFloor, confidence)

	var (
		sumW, lat, lon, ms float64
		depthW, depth      float64
		magW, mag          float64
		degraded           bool
		sources            = make(map[string]struct{})
		contributors       = make([]string, 0, len(ws))
		refLon             = ws[0].Event.Coordinates.Lon
	)
	for _, w := range ws {
		ev := w.Event
		wt := weight(w)
		sumW += wt
		lat += wt * ev.Coordinates.Lat
		lon += wt * domain.WrapLongitude(ev.Coordinates.Lon-refLon)
		ms += wt * float64(ev.Time.UnixMilli())
		if ev.Coordinates.DepthKm != nil {
			depthW += wt
			depth += wt * *ev.Coordinates.DepthKm
		}
		if ev.Magnitude != nil {
			magW += wt
			mag += wt * *ev.Magnitude
		}
		degraded = degraded || ev.Degraded
		sources[ev.SourceID] = struct{}{}
		contributors = append(contributors, ev.ID)
	}

	ce := domain.ConsensusEvent{
		ID:   consensusID(contributors),
		Time: time.UnixMilli(int64(math.Round(ms / sumW))).UTC(),
		Coordinates: domain.Coordinates{
			Lat: lat / sumW,
			Lon: domain.WrapLongitude(refLon + lon/sumW),
		},
		Confidence:   confidence,
		SourceCount:  len(sources),
		Contributors: contributors,
		Degraded:     degraded,
	}
	if depthW > 0 {
		ce.Coordinates.DepthKm = domain.Float(depth / depthW)
	}
	if magW > 0 {
		ce.Magnitude = domain.Float(mag / magW)
	}
	ce.Location = domain.LocationLabel(ce.Coordinates.Lat, ce.Coordinates.Lon)
	return ce
}

// consensusID is stable for a given set of contributors, so the same
// cluster seen in consecutive cycles keeps its id.
func consensusID(contributors []string) string {
	ids := append([]string(nil), contributors...)
	sort.Strings(ids)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(ids, "|"))).String()
}
