package geo

import "math"

const (
	earthRadiusM    = 6_371_000.0
	metersPerDegree = 111_000.0
)

// BBox is a south/west/north/east box in degrees.
type BBox struct {
	South, West, North, East float64
}

// BoundingBox approximates the box enclosing radius meters around a point.
func BoundingBox(lat, lon, radius float64) BBox {
	latDelta := radius / metersPerDegree
	lonDelta := radius / (metersPerDegree * math.Cos(lat*math.Pi/180))
	return BBox{
		South: lat - latDelta,
		West:  lon - lonDelta,
		North: lat + latDelta,
		East:  lon + lonDelta,
	}
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Asin(math.Sqrt(a))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
