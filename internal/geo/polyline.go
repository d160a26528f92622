package geo

import (
	"errors"
	"fmt"

	"schoolbus-tracker/internal/models"

	"github.com/twpayne/go-polyline"
)

// ErrMalformedPolyline is returned when an encoded polyline is truncated or has an odd number of ordinates
var ErrMalformedPolyline = errors.New("malformed polyline")

// Decode converts a Google encoded polyline (precision 1e-5) into coordinates, in input order
func Decode(encoded string) (models.RoutePath, error) {
	if encoded == "" {
		return models.RoutePath{}, nil
	}

	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPolyline, err)
	}

	path := make(models.RoutePath, 0, len(coords))
	for _, c := range coords {
		if len(c) != 2 {
			return nil, fmt.Errorf("%w: expected 2 ordinates, got %d", ErrMalformedPolyline, len(c))
		}
		path = append(path, models.Coordinate{Latitude: c[0], Longitude: c[1]})
	}
	return path, nil
}

// Encode is the inverse of Decode
func Encode(path models.RoutePath) string {
	coords := make([][]float64, len(path))
	for i, p := range path {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(polyline.EncodeCoords(coords))
}
