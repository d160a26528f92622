package directions

import (
	"fmt"
	"sync"
	"time"

	"schoolbus-tracker/internal/geo"
	"schoolbus-tracker/internal/models"
)

// Throttle gates route fetches per trip. A fetch is allowed when the vehicle has moved
// at least MinDistance since the last allowed fetch, or MinInterval has elapsed.
// With both thresholds at zero every fix is allowed.
type Throttle struct {
	minInterval time.Duration
	minDistance float64 // meters

	lastFetches map[string]lastFetch // Key: trip ID
	mutex       sync.Mutex
	stats       throttleStats
}

type lastFetch struct {
	Coordinate models.Coordinate
	At         time.Time
}

type throttleStats struct {
	Allowed int64
	Skipped int64
}

// NewThrottle creates a fetch throttle
func NewThrottle(minInterval time.Duration, minDistanceMeters float64) *Throttle {
	return &Throttle{
		minInterval: minInterval,
		minDistance: minDistanceMeters,
		lastFetches: make(map[string]lastFetch),
	}
}

// Allow reports whether a fetch from position c should go out now for the given trip
func (t *Throttle) Allow(tripID string, c models.Coordinate, now time.Time) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	last, exists := t.lastFetches[tripID]

	// First fetch for this trip - always allowed
	if !exists || (t.minInterval <= 0 && t.minDistance <= 0) {
		t.record(tripID, c, now)
		return true
	}

	moved := geo.DistanceKm(last.Coordinate, c) * 1000
	elapsed := now.Sub(last.At)

	if (t.minDistance > 0 && moved >= t.minDistance) || (t.minInterval > 0 && elapsed >= t.minInterval) {
		t.record(tripID, c, now)
		return true
	}

	t.stats.Skipped++
	return false
}

func (t *Throttle) record(tripID string, c models.Coordinate, now time.Time) {
	t.lastFetches[tripID] = lastFetch{Coordinate: c, At: now}
	t.stats.Allowed++
}

// Forget drops the stored position for a trip (call when the trip ends)
func (t *Throttle) Forget(tripID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.lastFetches, tripID)
}

// GetStats returns throttle statistics
func (t *Throttle) GetStats() map[string]interface{} {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	total := t.stats.Allowed + t.stats.Skipped
	skipRate := 0.0
	if total > 0 {
		skipRate = float64(t.stats.Skipped) / float64(total) * 100
	}

	return map[string]interface{}{
		"allowed":         t.stats.Allowed,
		"skipped":         t.stats.Skipped,
		"skip_rate":       fmt.Sprintf("%.2f%%", skipRate),
		"min_interval_ms": t.minInterval.Milliseconds(),
		"min_distance_m":  t.minDistance,
		"tracked_trips":   len(t.lastFetches),
	}
}
