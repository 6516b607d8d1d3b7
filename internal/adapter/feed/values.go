package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Epoch values at or above this are taken as milliseconds.
	epochMillisThreshold = 1e11

	// Bare numbers below this (March 1973) are not treated as epochs.
	minEpochSeconds = 1e8
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"20060102150405",
	"20060102",
}

// parseTime accepts RFC3339-like strings, a few space-separated and compact
// layouts (interpreted as UTC) and numeric epochs in seconds or
// milliseconds. Layouts are tried first so compact dates such as 20240101
// are not mistaken for epochs.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n < minEpochSeconds {
			return time.Time{}, fmt.Errorf("implausible epoch: %s", s)
		}
		return epochTime(n), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

func epochTime(n float64) time.Time {
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

// flexTime decodes a JSON string or number into a UTC time. Unparseable
// values leave it zero so the event is dropped rather than failing the batch.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	if t, err := parseTime(s); err == nil {
		f.Time = t
	}
	return nil
}

// flexFloat decodes a JSON number, numeric string, or null. Set is false
// when the value was absent or not numeric.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	if v, ok := parseNumber(s); ok {
		f.Value, f.Set = v, true
	}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// flexString accepts either a JSON string or number, as upstream IDs come
// in both shapes.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// parseNumber parses a decimal, tolerating whitespace and a trailing
// hemisphere letter (N/S/E/W) which flips the sign for S and W.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	sign := 1.0
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'S', 's', 'W', 'w':
			sign = -1
			s = strings.TrimSpace(s[:n-1])
		case 'N', 'n', 'E', 'e':
			s = strings.TrimSpace(s[:n-1])
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return sign * v, true
}

func validCoords(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// eventID namespaces an upstream id by source, or derives a deterministic
// one from the key fields so refetching the same report yields the same id.
func eventID(sourceID, upstream string, t time.Time, lat, lon float64) string {
	if upstream != "" {
		return sourceID + ":" + upstream
	}
	input := fmt.Sprintf("%s|%d|%.4f|%.4f", sourceID, t.UnixMilli(), lat, lon)
	hash := sha256.Sum256([]byte(input))
	return sourceID + ":" + hex.EncodeToString(hash[:8])
}
