package domain

import (
	"context"
	"log/slog"
)

// PlaceResult contains place data returned by a reverse-geocoding provider.
type PlaceResult struct {
	FormattedAddress string
	PlaceName        string
	Confidence       float64 // 0.0–1.0 provider confidence score
}

// PlaceResolver converts coordinates to place details.
type PlaceResolver interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (PlaceResult, error)
}

// EnrichWithPlace fills the Place field of a consensus event. A nil resolver,
// a lookup failure or an empty answer leave the event untouched; the
// latitude-band Location label is always present regardless.
func EnrichWithPlace(ctx context.Context, event ConsensusEvent, resolver PlaceResolver, logger *slog.Logger) ConsensusEvent {
	if resolver == nil {
		return event
	}

	result, err := resolver.ReverseGeocode(ctx, event.Coordinates.Lat, event.Coordinates.Lon)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"consensus_id", event.ID,
			"lat", event.Coordinates.Lat,
			"lon", event.Coordinates.Lon,
			"error", err,
		)
		return event
	}
	if result.FormattedAddress != "" {
		event.Place = result.FormattedAddress
	}
	return event
}
