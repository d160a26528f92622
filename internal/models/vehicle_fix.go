package models

import "time"

// VehicleFix is a single raw observation from the live vehicle stream
type VehicleFix struct {
	VehicleNo  string     `json:"vehicle_no"`
	Coordinate Coordinate `json:"coordinate"`
	Speed      float64    `json:"speed"`   // km/h
	Heading    float64    `json:"heading"` // compass degrees, 0 means unavailable
	Timestamp  time.Time  `json:"timestamp"`
}
