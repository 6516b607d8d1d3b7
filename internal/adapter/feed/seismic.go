package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// GeoJSON FeatureCollection as published by USGS and EMSC.
type geoCollection struct {
	Type     string       `json:"type"`
	Features []geoFeature `json:"features"`
	Events   []flatQuake  `json:"events"`
}

type geoFeature struct {
	ID         flexString `json:"id"`
	Properties struct {
		Mag   flexFloat `json:"mag"`
		Place string    `json:"place"`
		Time  flexTime  `json:"time"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat, depth]
	} `json:"geometry"`
}

// flatQuake is the simple row shape some proxies emit.
type flatQuake struct {
	ID        flexString `json:"id"`
	Time      flexTime   `json:"time"`
	Magnitude flexFloat  `json:"magnitude"`
	Latitude  flexFloat  `json:"latitude"`
	Longitude flexFloat  `json:"longitude"`
	Depth     flexFloat  `json:"depth"`
	Place     string     `json:"place"`
}

// parseSeismic normalizes a GeoJSON collection, a flat array, or an
// {"events": [...]} envelope of earthquake reports.
func parseSeismic(src domain.Source, body []byte, logger *slog.Logger) ([]domain.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var rows []flatQuake
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode seismic array: %w", err)
		}
		return flatQuakeEvents(src, rows, logger), nil
	}

	var env geoCollection
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode seismic payload: %w", err)
	}
	if env.Type == "FeatureCollection" || len(env.Features) > 0 {
		return featureEvents(src, env.Features, logger), nil
	}
	return flatQuakeEvents(src, env.Events, logger), nil
}

func featureEvents(src domain.Source, features []geoFeature, logger *slog.Logger) []domain.Event {
	events := make([]domain.Event, 0, len(features))
	for _, f := range features {
		coords := f.Geometry.Coordinates
		if len(coords) < 2 || f.Properties.Time.IsZero() || !validCoords(coords[1], coords[0]) {
			logger.Debug("dropping feature without time or coordinates", "source_id", src.ID, "id", string(f.ID))
			continue
		}
		lat, lon := coords[1], coords[0]
		ev := domain.Event{
			ID:          eventID(src.ID, string(f.ID), f.Properties.Time.Time, lat, lon),
			SourceID:    src.ID,
			Category:    src.Category,
			Time:        f.Properties.Time.Time,
			Magnitude:   f.Properties.Mag.ptr(),
			Coordinates: domain.Coordinates{Lat: lat, Lon: lon},
			Location:    f.Properties.Place,
		}
		if len(coords) > 2 {
			ev.Coordinates.DepthKm = domain.Float(coords[2])
		}
		events = append(events, ev)
	}
	return events
}

func flatQuakeEvents(src domain.Source, rows []flatQuake, logger *slog.Logger) []domain.Event {
	events := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		if !r.Latitude.Set || !r.Longitude.Set || r.Time.IsZero() || !validCoords(r.Latitude.Value, r.Longitude.Value) {
			logger.Debug("dropping event without time or coordinates", "source_id", src.ID, "id", string(r.ID))
			continue
		}
		events = append(events, domain.Event{
			ID:        eventID(src.ID, string(r.ID), r.Time.Time, r.Latitude.Value, r.Longitude.Value),
			SourceID:  src.ID,
			Category:  src.Category,
			Time:      r.Time.Time,
			Magnitude: r.Magnitude.ptr(),
			Coordinates: domain.Coordinates{
				Lat:     r.Latitude.Value,
				Lon:     r.Longitude.Value,
				DepthKm: r.Depth.ptr(),
			},
			Location: r.Place,
		})
	}
	return events
}
