package domain

import "time"

// Region is a lat/lon bounding box describing where a source has coverage.
// The zero value means global coverage.
type Region struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
}

// Global reports whether the region is unbounded.
func (r Region) Global() bool {
	return r == Region{}
}

// Contains reports whether the point lies inside the region. Boxes whose
// MinLon is greater than MaxLon wrap the antimeridian.
func (r Region) Contains(lat, lon float64) bool {
	if r.Global() {
		return true
	}
	if lat < r.MinLat || lat > r.MaxLat {
		return false
	}
	if r.MinLon <= r.MaxLon {
		return lon >= r.MinLon && lon <= r.MaxLon
	}
	return lon >= r.MinLon || lon <= r.MaxLon
}

// Source is the static descriptor of an external data provider.
type Source struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Endpoint        string   `json:"endpoint,omitempty" yaml:"endpoint"`
	Category        Category `json:"category" yaml:"category"`
	BaseReliability float64  `json:"base_reliability" yaml:"base_reliability"`
	Coverage        Region   `json:"coverage" yaml:"coverage"`
}

// SourceStatus is the reachability state of a source.
type SourceStatus string

const (
	StatusActive      SourceStatus = "active"
	StatusDegraded    SourceStatus = "degraded"
	StatusUnreachable SourceStatus = "unreachable"
)

// SourceHealth is the mutable per-source state, updated after every fetch.
type SourceHealth struct {
	Status      SourceStatus `json:"status"`
	SuccessRate float64      `json:"success_rate"`
	LastContact time.Time    `json:"last_contact,omitzero"`
	LastError   string       `json:"last_error,omitempty"`
	Probed      bool         `json:"probed"`
}
