package database

import (
	"context"
	"log"
	"sync"
	"time"

	"schoolbus-tracker/internal/models"
)

// FixWriter is the part of Store the recorder writes through
type FixWriter interface {
	RecordFix(ctx context.Context, tripID string, fix models.VehicleFix) error
}

type pendingFix struct {
	tripID string
	fix    models.VehicleFix
}

// FixRecorder moves fix writes off the session goroutines. Fixes are queued and written
// in order by one background worker; when the queue is full the fix is dropped.
type FixRecorder struct {
	writer  FixWriter
	queue   chan pendingFix
	timeout time.Duration

	mutex   sync.Mutex
	dropped int64
	written int64
	failed  int64
}

// NewFixRecorder creates a recorder with room for buffer pending fixes
func NewFixRecorder(writer FixWriter, buffer int) *FixRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &FixRecorder{
		writer:  writer,
		queue:   make(chan pendingFix, buffer),
		timeout: 5 * time.Second,
	}
}

// Record queues a fix without blocking
func (r *FixRecorder) Record(tripID string, fix models.VehicleFix) {
	select {
	case r.queue <- pendingFix{tripID: tripID, fix: fix}:
	default:
		r.mutex.Lock()
		r.dropped++
		r.mutex.Unlock()
		log.Printf("⚠️  Fix queue full - dropping fix for %s", fix.VehicleNo)
	}
}

// Run writes queued fixes until ctx is done, then drains what is already queued
func (r *FixRecorder) Run(ctx context.Context) {
	for {
		select {
		case p := <-r.queue:
			r.write(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-r.queue:
					r.write(p)
				default:
					return
				}
			}
		}
	}
}

func (r *FixRecorder) write(p pendingFix) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.writer.RecordFix(ctx, p.tripID, p.fix)

	r.mutex.Lock()
	if err != nil {
		r.failed++
	} else {
		r.written++
	}
	r.mutex.Unlock()

	if err != nil {
		log.Printf("❌ Error saving fix for %s: %v", p.fix.VehicleNo, err)
	}
}

// GetStats returns recorder counters
func (r *FixRecorder) GetStats() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]interface{}{
		"written": r.written,
		"failed":  r.failed,
		"dropped": r.dropped,
		"queued":  len(r.queue),
	}
}
