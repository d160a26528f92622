package models

import "fmt"

// Coordinate is a WGS-84 latitude/longitude pair in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// IsZero reports whether both ordinates are 0, which the upstream feeds use for "absent"
func (c Coordinate) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// String renders the coordinate as "lat,lon", the form the directions API expects
func (c Coordinate) String() string {
	return fmt.Sprintf("%f,%f", c.Latitude, c.Longitude)
}

// RoutePath is the decoded driving route, ordered from origin to destination
type RoutePath []Coordinate
