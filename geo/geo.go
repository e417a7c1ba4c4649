// Package geo estimates how strongly an earthquake is felt at a given point.
package geo

import "math"

const (
	// EarthRadiusKm is the mean radius used by the haversine formula.
	EarthRadiusKm = 6371.0

	// NotifyThreshold is the lowest severity that earns a subscriber a mention.
	NotifyThreshold = 3
)

// DistanceKm returns the great-circle distance between two points in kilometres.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Pow(math.Sin(dLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Severity approximates the seismic intensity (shindo) felt at distanceKm
// from an event of the given magnitude. A distance of exactly zero is treated
// as one kilometre. Halves round to even.
func Severity(magnitude, distanceKm float64) int {
	if distanceKm == 0 {
		distanceKm = 1
	}
	intensity := 1.5*magnitude - 3.0*(distanceKm/100)
	return int(math.RoundToEven(math.Max(0, intensity)))
}

// Notifiable reports whether a severity warrants mentioning the subscriber.
func Notifiable(severity int) bool {
	return severity >= NotifyThreshold
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
