package domain

import (
	"context"
	"time"
)

// Category classifies what kind of occurrence a source reports.
type Category string

const (
	CategoryEarthquake Category = "earthquake"
	CategoryTsunami    Category = "tsunami"
	CategorySeismic    Category = "seismic"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryEarthquake, CategoryTsunami, CategorySeismic:
		return true
	default:
		return false
	}
}

// Coordinates is a WGS-84 position with an optional hypocentre depth.
type Coordinates struct {
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	DepthKm *float64 `json:"depth_km,omitempty"`
}

// Event is a single occurrence as reported by one source.
type Event struct {
	ID          string      `json:"id"`
	SourceID    string      `json:"source_id"`
	Category    Category    `json:"category"`
	Time        time.Time   `json:"time"`
	Magnitude   *float64    `json:"magnitude,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
	Location    string      `json:"location,omitempty"`
	Threat      string      `json:"threat,omitempty"` // tsunami threat classification

	// Degraded marks events recovered from a non-primary path (HTML page,
	// stale cache entry). Consensus weights them down.
	Degraded bool `json:"degraded,omitempty"`
}

// Batch is the outcome of one fetch against one source.
type Batch struct {
	SourceID  string    `json:"source_id"`
	Events    []Event   `json:"events"`
	Degraded  bool      `json:"degraded,omitempty"`
	Stale     bool      `json:"stale,omitempty"` // served from cache after a failed fetch
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher retrieves and normalizes the current event set of a source.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) (Batch, error)
}

// Float returns a pointer to v, for optional magnitude and depth fields.
func Float(v float64) *float64 {
	return &v
}
