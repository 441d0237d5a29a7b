package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean earth radius used by Haversine.
const EarthRadiusKm = 6371.0088

// KmPerDegree is the mean length of one degree of latitude.
const KmPerDegree = 111.32

// Coord is a WGS-84 latitude/longitude pair in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a finite coordinate inside the WGS-84 range.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coord) String() string {
	return fmt.Sprintf("(%.4f,%.4f)", c.Lat, c.Lon)
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b Coord) float64 {
	return HaversineRadius(a, b, EarthRadiusKm)
}

// HaversineRadius is Haversine on a sphere of the given radius.
func HaversineRadius(a, b Coord, radiusKm float64) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := phi2 - phi1
	dLambda := radians(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding can push h just outside [0, 1] for antipodal points
	h = math.Min(1, math.Max(0, h))

	return radiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
