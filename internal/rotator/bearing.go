// Package rotator points an antenna rotator at the tracked sonde.
package rotator

import (
	"math"

	"github.com/golang/geo/s2"
)

const earthRadiusM = 6371000.0

type Position struct {
	Lat float64
	Lon float64
	// Alt is metres above mean sea level.
	Alt float64
}

// Look is a pointing direction in degrees. Azimuth is clockwise from true
// north in [0, 360); elevation is above the local horizon.
type Look struct {
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	RangeKm   float64 `json:"range_km"`
}

// Bearing computes the look angles from station to target on a spherical
// earth.
func Bearing(station, target Position) Look {
	a := s2.LatLngFromDegrees(station.Lat, station.Lon)
	b := s2.LatLngFromDegrees(target.Lat, target.Lon)
	theta := a.Distance(b).Radians()

	lat1, lat2 := a.Lat.Radians(), b.Lat.Radians()
	dLon := b.Lng.Radians() - a.Lng.Radians()
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	az := math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)

	r1 := earthRadiusM + station.Alt
	r2 := earthRadiusM + target.Alt
	el := math.Atan2(r2*math.Cos(theta)-r1, r2*math.Sin(theta)) * 180 / math.Pi

	// Slant range by the law of cosines.
	rng := math.Sqrt(r1*r1 + r2*r2 - 2*r1*r2*math.Cos(theta))

	return Look{Azimuth: az, Elevation: el, RangeKm: rng / 1000}
}

// azimuthDelta is the smallest angle between two azimuths.
func azimuthDelta(a, b float64) float64 {
	d := math.Abs(math.Mod(a-b, 360))
	if d > 180 {
		d = 360 - d
	}
	return d
}
