package geo

import (
	"fmt"
	"math"
)

// DefaultSegments is the circle resolution used when callers pass 0.
// More segments means a smoother overlay and a bigger payload.
const DefaultSegments = 64

// RadiusCircle is a closed polygon approximating a geodesic circle,
// consumed by the map surface as a radius-search overlay. It is derived
// data: recomputed whenever center or radius changes, never persisted.
type RadiusCircle struct {
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
	Unit   Unit    `json:"unit"`
	Points []Point `json:"points"`
}

// Circle builds a ring of segments points evenly spaced in bearing at the
// given radius around center, then repeats the first point to close it.
// Longitude offsets use an equirectangular small-angle approximation
// (delta scaled by cos(latitude)); the foreshortening error at high
// latitudes is accepted because the output feeds a visual overlay, not
// navigation.
func Circle(center Point, radius float64, unit Unit, segments int) (RadiusCircle, error) {
	if err := validatePoints(center); err != nil {
		return RadiusCircle{}, err
	}
	if radius < 0 {
		return RadiusCircle{}, fmt.Errorf("radius must be non-negative, got %v", radius)
	}
	if segments == 0 {
		segments = DefaultSegments
	}
	if segments < 3 {
		return RadiusCircle{}, fmt.Errorf("segments must be at least 3, got %d", segments)
	}
	angular := radius / unit.earthRadius()
	latRad := radians(center.Lat)
	points := make([]Point, 0, segments+1)
	for i := 0; i < segments; i++ {
		theta := 2 * math.Pi * float64(i) / float64(segments)
		dLat := angular * math.Cos(theta)
		dLng := angular * math.Sin(theta) / math.Cos(latRad)
		points = append(points, Point{
			Lat: center.Lat + degrees(dLat),
			Lng: center.Lng + degrees(dLng),
		})
	}
	points = append(points, points[0])
	return RadiusCircle{Center: center, Radius: radius, Unit: unit, Points: points}, nil
}
