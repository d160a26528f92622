package geo

import (
	"math"

	"schoolbus-tracker/internal/models"
)

// ProjectOntoPolyline returns the closest point lying on any segment of path.
// Segments are treated as straight lines in unprojected lat/lon space, which holds at
// the sub-kilometre scale a bus route is snapped at. Ties go to the earliest segment.
// Returns false when path has fewer than 2 points.
func ProjectOntoPolyline(point models.Coordinate, path models.RoutePath) (models.Coordinate, bool) {
	if len(path) < 2 {
		return models.Coordinate{}, false
	}

	minDistance := math.Inf(1)
	var closest models.Coordinate

	for i := 0; i < len(path)-1; i++ {
		p1 := path[i]
		p2 := path[i+1]

		dx := p2.Longitude - p1.Longitude
		dy := p2.Latitude - p1.Latitude
		segmentLengthSq := dx*dx + dy*dy

		candidate := p1
		if segmentLengthSq > 0 {
			t := ((point.Longitude-p1.Longitude)*dx + (point.Latitude-p1.Latitude)*dy) / segmentLengthSq
			t = math.Max(0, math.Min(1, t))
			candidate = models.Coordinate{
				Latitude:  p1.Latitude + t*dy,
				Longitude: p1.Longitude + t*dx,
			}
		}

		if d := DistanceKm(point, candidate); d < minDistance {
			minDistance = d
			closest = candidate
		}
	}

	return closest, true
}

// Snap replaces point with its projection onto path when the projection lies strictly
// closer than thresholdKm. The second return reports whether snapping happened.
func Snap(point models.Coordinate, path models.RoutePath, thresholdKm float64) (models.Coordinate, bool) {
	projected, ok := ProjectOntoPolyline(point, path)
	if !ok {
		return point, false
	}
	if DistanceKm(point, projected) < thresholdKm {
		return projected, true
	}
	return point, false
}

// NearestVertex returns the index of the path point closest to point, or -1 for an empty path
func NearestVertex(point models.Coordinate, path models.RoutePath) int {
	minDistance := math.Inf(1)
	minIdx := -1

	for i, p := range path {
		if d := DistanceKm(point, p); d < minDistance {
			minDistance = d
			minIdx = i
		}
	}

	return minIdx
}
