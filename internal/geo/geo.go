package geo

import (
	"errors"
	"fmt"
	"math"
)

// Mean Earth radius (IUGG), kilometers.
const earthRadiusKm = 6371.0088

const kmPerMile = 1.609344

var ErrInvalidCoordinate = errors.New("coordinate out of range")

// Unit selects the length unit for distances and radii.
type Unit string

const (
	Kilometers Unit = "km"
	Miles      Unit = "mi"
)

// ParseUnit maps a user-supplied unit string to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "", "km", "kilometers":
		return Kilometers, nil
	case "mi", "miles":
		return Miles, nil
	default:
		return "", fmt.Errorf("unknown unit %q", s)
	}
}

func (u Unit) earthRadius() float64 {
	if u == Miles {
		return earthRadiusKm / kmPerMile
	}
	return earthRadiusKm
}

// Point is an immutable latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180"`
}

// Valid reports whether the point lies within the lat/lng domain.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lng)
}

// Validate returns ErrInvalidCoordinate when the point is out of range.
func (p Point) Validate() error {
	return validatePoints(p)
}

func validatePoints(points ...Point) error {
	for _, p := range points {
		if !p.Valid() {
			return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, p.Lat, p.Lng)
		}
	}
	return nil
}

// Distance returns the great-circle distance between a and b using the
// haversine formula over a mean Earth radius. The result is symmetric,
// non-negative, zero iff a == b, and finite for all valid inputs including
// antipodal pairs.
func Distance(a, b Point, unit Unit) (float64, error) {
	if err := validatePoints(a, b); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Clamp against floating point drift so Sqrt stays in domain.
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return unit.earthRadius() * c, nil
}

// Bearing returns the initial great-circle bearing from a to b in
// degrees within [0, 360).
func Bearing(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := degrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
