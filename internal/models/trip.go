package models

import (
	"strings"
	"unicode"
)

// RouteType distinguishes morning pickup trips from afternoon drop trips
type RouteType string

const (
	RouteTypePickup RouteType = "pickup"
	RouteTypeDrop   RouteType = "drop"
)

// Stop represents the rider-facing point a trip is heading to
type Stop struct {
	Coordinate
	Title string `json:"stop_title,omitempty"`
	Area  string `json:"area,omitempty"`
}

// Vehicle identifies the bus serving a trip
type Vehicle struct {
	RegisterNumber string `json:"register_number"`
	Tag            string `json:"vehicle_tag,omitempty"`
}

// Trip is the active pickup or drop instance for a selected child
type Trip struct {
	ID          string      `json:"id" validate:"required,uuid"`
	AdmissionID int         `json:"admission_id" validate:"required,gt=0"`
	RouteType   RouteType   `json:"route_type" validate:"oneof=pickup drop"`
	StartPoint  *Coordinate `json:"start_point,omitempty" validate:"omitempty"`
	Destination *Stop       `json:"destination,omitempty" validate:"omitempty"`
	Stops       []Stop      `json:"stops,omitempty" validate:"dive"`
	Vehicle     *Vehicle    `json:"vehicle,omitempty" validate:"omitempty"`
}

// StreamKey returns the vehicle identifier used to key the live stream:
// the registration number with punctuation and spaces stripped
func (t *Trip) StreamKey() string {
	if t == nil || t.Vehicle == nil {
		return ""
	}
	return NormalizeVehicleNo(t.Vehicle.RegisterNumber)
}

// NormalizeVehicleNo strips everything but letters and digits from a registration number
func NormalizeVehicleNo(registerNumber string) string {
	var b strings.Builder
	for _, r := range registerNumber {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EtaTarget returns the point the ETA is measured against.
// Pickup trips run to the end of the full route (the school), drop trips
// run to the child's own stop.
func (t *Trip) EtaTarget() (Coordinate, bool) {
	if t == nil || t.Destination == nil {
		return Coordinate{}, false
	}
	switch t.RouteType {
	case RouteTypePickup:
		if len(t.Stops) == 0 {
			return Coordinate{}, false
		}
		return t.Stops[len(t.Stops)-1].Coordinate, true
	case RouteTypeDrop:
		return t.Destination.Coordinate, true
	}
	return Coordinate{}, false
}
