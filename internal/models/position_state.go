package models

import "time"

// TrackingPhase is what the parent-facing UI should be showing
type TrackingPhase string

const (
	PhaseIdle             TrackingPhase = "idle"
	PhaseLoading          TrackingPhase = "loading"
	PhaseNoRoute          TrackingPhase = "no_route"
	PhaseError            TrackingPhase = "error"
	PhaseAwaitingFirstFix TrackingPhase = "awaiting_first_fix"
	PhaseTracking         TrackingPhase = "tracking"
)

// DerivedPositionState is the display-ready output of the reconciliation pipeline
type DerivedPositionState struct {
	Phase                 TrackingPhase `json:"phase"`
	AdmissionID           int           `json:"admission_id,omitempty"`
	Trip                  *Trip         `json:"trip,omitempty"`
	Waiting               bool          `json:"waiting"`
	DisplayCoordinate     *Coordinate   `json:"display_coordinate"`
	RotationDegrees       float64       `json:"rotation_degrees"`
	EtaMinutes            *int          `json:"eta_minutes"`
	Stopped               bool          `json:"stopped"`
	SpeedKmh              float64       `json:"speed_kmh"`
	HeadingDegrees        float64       `json:"heading_degrees"`
	DestinationCoordinate *Coordinate   `json:"destination_coordinate,omitempty"`
	RoutePath             RoutePath     `json:"route_path"`
	RouteDurationMinutes  *int          `json:"route_duration_minutes"`
	StreamConnected       bool          `json:"stream_connected"`
	LastFix               *VehicleFix   `json:"last_fix,omitempty"`
	Error                 string        `json:"error,omitempty"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Child is a kid profile the parent can select on the dashboard
type Child struct {
	AdmissionID int    `json:"admission" validate:"required,gt=0"`
	Name        string `json:"name"`
}
