package geo

import "math"

// WeightedPoint is a located value feeding the heat-map surface.
type WeightedPoint struct {
	Point  Point   `json:"point"`
	Weight float64 `json:"weight"`
}

// DensityPoint is a heat-map sample with a log-scaled intensity.
type DensityPoint struct {
	Point     Point   `json:"point"`
	Intensity float64 `json:"intensity"`
}

// DensityPoints converts weighted points into a density surface with
// intensity = log(weight+1). Monetary weights are heavy-tailed; the log
// keeps a few very high-value entries from saturating the visualization,
// and the +1 guards log(0) so a zero weight maps to zero intensity.
// Negative weights clamp to zero.
func DensityPoints(points []WeightedPoint) []DensityPoint {
	out := make([]DensityPoint, 0, len(points))
	for _, wp := range points {
		w := wp.Weight
		if w < 0 {
			w = 0
		}
		out = append(out, DensityPoint{
			Point:     wp.Point,
			Intensity: math.Log(w + 1),
		})
	}
	return out
}
