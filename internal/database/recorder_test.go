package database

import (
	"context"
	"errors"
	"sync"
	"testing"

	"schoolbus-tracker/internal/models"
)

type listWriter struct {
	mutex sync.Mutex
	trips []string
	fail  bool
}

func (w *listWriter) RecordFix(_ context.Context, tripID string, _ models.VehicleFix) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.trips = append(w.trips, tripID)
	return nil
}

func TestFixRecorderDrainsOnShutdown(t *testing.T) {
	w := &listWriter{}
	r := NewFixRecorder(w, 4)

	for _, trip := range []string{"a", "b", "c"} {
		r.Record(trip, models.VehicleFix{VehicleNo: "KL07AB1234"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	if len(w.trips) != 3 || w.trips[0] != "a" || w.trips[2] != "c" {
		t.Errorf("written = %v, want [a b c]", w.trips)
	}
	if stats := r.GetStats(); stats["written"] != int64(3) {
		t.Errorf("stats = %v", stats)
	}
}

func TestFixRecorderDropsWhenFull(t *testing.T) {
	r := NewFixRecorder(&listWriter{}, 2)

	for i := 0; i < 5; i++ {
		r.Record("trip-1", models.VehicleFix{VehicleNo: "KL07AB1234"})
	}

	stats := r.GetStats()
	if stats["dropped"] != int64(3) || stats["queued"] != 2 {
		t.Errorf("stats = %v", stats)
	}
}

func TestFixRecorderCountsFailures(t *testing.T) {
	r := NewFixRecorder(&listWriter{fail: true}, 2)
	r.Record("trip-1", models.VehicleFix{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	if stats := r.GetStats(); stats["failed"] != int64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestFixRecorderWritesToStore(t *testing.T) {
	store := newTestStore(t)
	r := NewFixRecorder(store, 8)

	r.Record("trip-9", models.VehicleFix{
		VehicleNo:  "KL07CD5678",
		Coordinate: models.Coordinate{Latitude: 9.98, Longitude: 76.29},
		Speed:      31,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	current, err := store.CurrentLocation(context.Background(), "KL07CD5678")
	if err != nil || current == nil {
		t.Fatalf("CurrentLocation = %v, %v", current, err)
	}
	if current.Latitude != 9.98 {
		t.Errorf("latitude = %v", current.Latitude)
	}
}
