package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ParentSession is a row of parent_sessions
type ParentSession struct {
	UserID            string         `db:"user_id" json:"user_id"`
	SelectedAdmission sql.NullInt64  `db:"selected_admission" json:"-"`
	DeviceToken       sql.NullString `db:"device_token" json:"-"`
	UpdatedAt         int64          `db:"updated_at" json:"updated_at"`
}

// Store persists per-parent session state
type Store struct {
	db *sqlx.DB
}

// NewStore wraps a connected, migrated database
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// SaveSelection records the child a parent last selected. Admission 0 clears it.
func (s *Store) SaveSelection(ctx context.Context, userID string, admission int) error {
	selected := sql.NullInt64{Int64: int64(admission), Valid: admission != 0}

	query := s.db.Rebind(`
		INSERT INTO parent_sessions (user_id, selected_admission, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			selected_admission = excluded.selected_admission,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, userID, selected, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save selection: %w", err)
	}
	return nil
}

// LoadSelection returns the child a parent last selected, if any
func (s *Store) LoadSelection(ctx context.Context, userID string) (int, bool, error) {
	row, err := s.get(ctx, userID)
	if err != nil || row == nil {
		return 0, false, err
	}
	if !row.SelectedAdmission.Valid {
		return 0, false, nil
	}
	return int(row.SelectedAdmission.Int64), true, nil
}

// SaveDeviceToken records the FCM registration token of a parent's device
func (s *Store) SaveDeviceToken(ctx context.Context, userID, token string) error {
	query := s.db.Rebind(`
		INSERT INTO parent_sessions (user_id, device_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			device_token = excluded.device_token,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, userID, token, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	return nil
}

// LoadDeviceToken returns a parent's FCM registration token, if one was registered
func (s *Store) LoadDeviceToken(ctx context.Context, userID string) (string, bool, error) {
	row, err := s.get(ctx, userID)
	if err != nil || row == nil {
		return "", false, err
	}
	if !row.DeviceToken.Valid || row.DeviceToken.String == "" {
		return "", false, nil
	}
	return row.DeviceToken.String, true, nil
}

func (s *Store) get(ctx context.Context, userID string) (*ParentSession, error) {
	var row ParentSession
	query := s.db.Rebind(`SELECT user_id, selected_admission, device_token, updated_at FROM parent_sessions WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load parent session: %w", err)
	}
	return &row, nil
}
