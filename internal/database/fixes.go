package database

import (
	"context"
	"fmt"
	"time"

	"schoolbus-tracker/internal/models"
)

// FixRecord is a row of vehicle_fixes
type FixRecord struct {
	VehicleNo string   `db:"vehicle_no" json:"vehicle_no"`
	TripID    *string  `db:"trip_id" json:"trip_id,omitempty"`
	Latitude  float64  `db:"latitude" json:"latitude"`
	Longitude float64  `db:"longitude" json:"longitude"`
	Speed     *float64 `db:"speed" json:"speed,omitempty"`
	Heading   *float64 `db:"heading" json:"heading,omitempty"`
	Timestamp int64    `db:"timestamp" json:"timestamp"`
}

// RecordFix appends a fix to the audit trail and moves the vehicle's current location.
// Vehicles are stored under their stream key, so "KL-07-AB-1234" and "KL07AB1234" are one row.
func (s *Store) RecordFix(ctx context.Context, tripID string, fix models.VehicleFix) error {
	vehicleNo := models.NormalizeVehicleNo(fix.VehicleNo)
	ts := fix.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var trip *string
	if tripID != "" {
		trip = &tripID
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`
		INSERT INTO vehicle_fixes (vehicle_no, trip_id, latitude, longitude, speed, heading, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert, vehicleNo, trip,
		fix.Coordinate.Latitude, fix.Coordinate.Longitude, fix.Speed, fix.Heading, ts.Unix()); err != nil {
		return fmt.Errorf("failed to insert fix: %w", err)
	}

	upsert := tx.Rebind(`
		INSERT INTO vehicle_current_location (vehicle_no, trip_id, latitude, longitude, speed, heading, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_no) DO UPDATE SET
			trip_id = excluded.trip_id,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			speed = excluded.speed,
			heading = excluded.heading,
			timestamp = excluded.timestamp
	`)
	if _, err := tx.ExecContext(ctx, upsert, vehicleNo, trip,
		fix.Coordinate.Latitude, fix.Coordinate.Longitude, fix.Speed, fix.Heading, ts.Unix()); err != nil {
		return fmt.Errorf("failed to update current location: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fix: %w", err)
	}
	return nil
}

// CurrentLocation returns the last recorded fix for a vehicle, or nil
func (s *Store) CurrentLocation(ctx context.Context, vehicleNo string) (*FixRecord, error) {
	var rows []FixRecord
	query := s.db.Rebind(`
		SELECT vehicle_no, trip_id, latitude, longitude, speed, heading, timestamp
		FROM vehicle_current_location
		WHERE vehicle_no = ?
	`)
	if err := s.db.SelectContext(ctx, &rows, query, vehicleNo); err != nil {
		return nil, fmt.Errorf("failed to load current location: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// TripFixes returns the audit trail of a trip in arrival order
func (s *Store) TripFixes(ctx context.Context, tripID string) ([]FixRecord, error) {
	fixes := []FixRecord{}
	query := s.db.Rebind(`
		SELECT vehicle_no, trip_id, latitude, longitude, speed, heading, timestamp
		FROM vehicle_fixes
		WHERE trip_id = ?
		ORDER BY timestamp ASC
	`)
	if err := s.db.SelectContext(ctx, &fixes, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to load trip fixes: %w", err)
	}
	return fixes, nil
}
