package domain

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres between two points.
func Haversine(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, math.Max(0, h)) // rounding near antipodes
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WrapLongitude normalizes lon into [-180, 180]. Values already in range are
// returned unchanged.
func WrapLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// LocationLabel derives a coarse human-readable label from a point using
// latitude bands. It is a summary aid, not a geocoder.
func LocationLabel(lat, lon float64) string {
	return fmt.Sprintf("%s (%s)", latitudeBand(lat), formatPoint(lat, lon))
}

func latitudeBand(lat float64) string {
	switch {
	case lat >= 66.5:
		return "Arctic region"
	case lat >= 45:
		return "Northern high latitudes"
	case lat >= 23.5:
		return "Northern mid-latitudes"
	case lat > -23.5:
		return "Tropical region"
	case lat > -45:
		return "Southern mid-latitudes"
	case lat > -66.5:
		return "Southern high latitudes"
	default:
		return "Antarctic region"
	}
}

func formatPoint(lat, lon float64) string {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	return fmt.Sprintf("%.2f°%s %.2f°%s", math.Abs(lat), ns, math.Abs(lon), ew)
}
