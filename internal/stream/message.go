package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"schoolbus-tracker/internal/models"
)

const (
	MessageTypeInitialData    = "initial_data"
	MessageTypeLocationUpdate = "location_update"
)

// VehiclePayload is one vehicle position as the tracking feed sends it
type VehiclePayload struct {
	VehicleNo string           `json:"vehicle_no"`
	Latitude  models.FlexFloat `json:"latitude"`
	Longitude models.FlexFloat `json:"longitude"`
	Speed     models.FlexFloat `json:"speed"`
	Heading   models.FlexFloat `json:"heading"`
}

// Message is the envelope of every frame on the feed. location_update frames carry the
// vehicle fields inline, initial_data frames carry a snapshot of every vehicle in Data.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	VehiclePayload
}

// fix converts the payload into a VehicleFix. A missing or zero latitude or longitude
// means the feed has no position for the vehicle, so no fix is produced.
func (p VehiclePayload) fix(receivedAt time.Time) (models.VehicleFix, bool) {
	if p.Latitude == 0 || p.Longitude == 0 {
		return models.VehicleFix{}, false
	}

	c := models.Coordinate{Latitude: p.Latitude.Float64(), Longitude: p.Longitude.Float64()}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return models.VehicleFix{}, false
	}

	speed := p.Speed.Float64()
	if speed < 0 {
		speed = 0
	}

	return models.VehicleFix{
		VehicleNo:  p.VehicleNo,
		Coordinate: c,
		Speed:      speed,
		Heading:    p.Heading.Float64(),
		Timestamp:  receivedAt,
	}, true
}

func matchesVehicle(vehicleNo, vehicleKey string) bool {
	return models.NormalizeVehicleNo(vehicleNo) == vehicleKey
}

// decoder turns raw frames into fixes for a single vehicle. The initial snapshot is
// honoured only until it has produced one fix; later snapshots are ignored.
type decoder struct {
	vehicleKey      string
	initialConsumed bool
}

func (d *decoder) decode(raw []byte, receivedAt time.Time) (models.VehicleFix, bool, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.VehicleFix{}, false, fmt.Errorf("invalid stream message: %w", err)
	}

	switch msg.Type {
	case MessageTypeLocationUpdate:
		if !matchesVehicle(msg.VehicleNo, d.vehicleKey) {
			return models.VehicleFix{}, false, nil
		}
		fix, ok := msg.VehiclePayload.fix(receivedAt)
		return fix, ok, nil

	case MessageTypeInitialData:
		if d.initialConsumed {
			return models.VehicleFix{}, false, nil
		}
		var vehicles []VehiclePayload
		if err := json.Unmarshal(msg.Data, &vehicles); err != nil {
			return models.VehicleFix{}, false, fmt.Errorf("invalid initial_data snapshot: %w", err)
		}
		for _, v := range vehicles {
			if !matchesVehicle(v.VehicleNo, d.vehicleKey) {
				continue
			}
			fix, ok := v.fix(receivedAt)
			if ok {
				d.initialConsumed = true
			}
			return fix, ok, nil
		}
	}

	return models.VehicleFix{}, false, nil
}
