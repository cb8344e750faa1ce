package geo

import (
	"math"

	"routewatch/internal/model"
)

const earthRadiusM = 6371000

// DeviationResult is the outcome of evaluating one position against a route.
type DeviationResult struct {
	DistanceMeters float64
	OffRoute       bool
}

// Evaluator computes deviation of a position from a route polyline. It is
// pure: same inputs always yield the same result, no clock or storage.
type Evaluator struct {
	// ThresholdMeters is the deviation beyond which a position is off-route.
	ThresholdMeters float64
}

// Evaluate returns the minimum distance from pos to the polyline formed by
// route, and whether that distance exceeds the threshold. A route with fewer
// than two points gives nothing to deviate from and is never off-route.
func (e Evaluator) Evaluate(pos model.GeoPoint, route []model.GeoPoint) DeviationResult {
	if len(route) < 2 {
		return DeviationResult{}
	}
	min := math.MaxFloat64
	for i := 0; i < len(route)-1; i++ {
		d := pointToSegment(pos, route[i], route[i+1])
		if d < min {
			min = d
		}
	}
	return DeviationResult{DistanceMeters: min, OffRoute: min > e.ThresholdMeters}
}

// pointToSegment projects p onto the segment a-b in lat/lng space, clamps the
// projection to the segment, and measures the geodesic distance to it.
func pointToSegment(p, a, b model.GeoPoint) float64 {
	dLat := b.Lat - a.Lat
	dLng := b.Lng - a.Lng
	if dLat == 0 && dLng == 0 {
		return Haversine(p, a)
	}
	t := ((p.Lat-a.Lat)*dLat + (p.Lng-a.Lng)*dLng) / (dLat*dLat + dLng*dLng)
	t = math.Max(0, math.Min(1, t))
	proj := model.GeoPoint{Lat: a.Lat + t*dLat, Lng: a.Lng + t*dLng}
	return Haversine(p, proj)
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(p, q model.GeoPoint) float64 {
	dLat := toRad(q.Lat - p.Lat)
	dLng := toRad(q.Lng - p.Lng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(toRad(p.Lat))*math.Cos(toRad(q.Lat))*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
