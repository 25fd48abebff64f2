package telemetry

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusKm
}
