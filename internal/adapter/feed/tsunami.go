package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

type tsunamiEnvelope struct {
	Warnings []tsunamiWarning `json:"warnings"`
}

type tsunamiWarning struct {
	ID        flexString `json:"id"`
	Time      flexTime   `json:"time"`
	Threat    string     `json:"threat"`
	Latitude  flexFloat  `json:"latitude"`
	Longitude flexFloat  `json:"longitude"`
	Magnitude flexFloat  `json:"magnitude"`
	Area      string     `json:"area"`
}

// parseTsunami normalizes a {"warnings": [...]} envelope or a bare array.
// Magnitude is optional in tsunami bulletins.
func parseTsunami(src domain.Source, body []byte, logger *slog.Logger) ([]domain.Event, error) {
	body = bytes.TrimSpace(body)
	var warnings []tsunamiWarning
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &warnings); err != nil {
			return nil, fmt.Errorf("decode tsunami array: %w", err)
		}
	} else {
		var env tsunamiEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode tsunami payload: %w", err)
		}
		warnings = env.Warnings
	}

	events := make([]domain.Event, 0, len(warnings))
	for _, w := range warnings {
		if !w.Latitude.Set || !w.Longitude.Set || w.Time.IsZero() || !validCoords(w.Latitude.Value, w.Longitude.Value) {
			logger.Debug("dropping warning without time or coordinates", "source_id", src.ID, "id", string(w.ID))
			continue
		}
		events = append(events, domain.Event{
			ID:          eventID(src.ID, string(w.ID), w.Time.Time, w.Latitude.Value, w.Longitude.Value),
			SourceID:    src.ID,
			Category:    src.Category,
			Time:        w.Time.Time,
			Magnitude:   w.Magnitude.ptr(),
			Coordinates: domain.Coordinates{Lat: w.Latitude.Value, Lon: w.Longitude.Value},
			Location:    w.Area,
			Threat:      w.Threat,
		})
	}
	return events, nil
}
