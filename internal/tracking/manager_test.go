package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schoolbus-tracker/internal/models"
)

type memSelections struct {
	mutex sync.Mutex
	saved map[string]int
}

func (m *memSelections) SaveSelection(_ context.Context, userID string, admission int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.saved[userID] = admission
	return nil
}

func (m *memSelections) LoadSelection(_ context.Context, userID string) (int, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	admission, ok := m.saved[userID]
	return admission, ok, nil
}

func newTestManager(stream *fakeStream, store SelectionStore, started, stopped *atomic.Int64) *Manager {
	trips := tripsByAdmission(map[int]*models.Trip{
		1: sessionTrip("trip-1", 1, "KL-07-AB-1234", 10.1),
		2: sessionTrip("trip-2", 2, "KL-07-CD-5678", 10.2),
	}, nil)

	cfg := ManagerConfig{
		Session: SessionConfig{
			Settings:     DefaultSettings(),
			Fixes:        stream,
			Router:       &fakeRouter{},
			FetchTimeout: time.Second,
		},
		TripsFor: func(string) TripSource { return trips },
		OnStart:  func(string) { started.Add(1) },
		OnStop:   func(string) { stopped.Add(1) },
	}
	if store != nil {
		cfg.Store = store
	}
	return NewManager(cfg)
}

func TestManagerConcurrentStartKeepsOneSession(t *testing.T) {
	var started, stopped atomic.Int64
	stream := &fakeStream{}
	m := newTestManager(stream, nil, &started, &stopped)
	children := []models.Child{{AdmissionID: 1, Name: "Anna"}}

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// A start displaced by a concurrent one sees its own session closed
				if _, err := m.Start(context.Background(), "parent-1", "token", children); err != nil && !errors.Is(err, ErrSessionClosed) {
					t.Errorf("Start: %v", err)
				}
			}()
		}
		wg.Wait()

		if m.Count() != 1 {
			t.Fatalf("round %d: registered sessions = %d, want 1", round, m.Count())
		}
		if running := started.Load() - stopped.Load(); running != 1 {
			t.Fatalf("round %d: running sessions = %d, want 1 (started %d, stopped %d)",
				round, running, started.Load(), stopped.Load())
		}
	}

	m.Shutdown()
	if started.Load() != stopped.Load() {
		t.Errorf("started %d, stopped %d after Shutdown", started.Load(), stopped.Load())
	}

	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	for i, sub := range stream.subs {
		if !sub.closed.Load() {
			t.Errorf("subscription %d (%s) left open", i, sub.key)
		}
	}
}

func TestManagerRestoresSavedSelection(t *testing.T) {
	var started, stopped atomic.Int64
	store := &memSelections{saved: map[string]int{"parent-1": 2}}
	m := newTestManager(&fakeStream{}, store, &started, &stopped)
	defer m.Shutdown()

	children := []models.Child{{AdmissionID: 1}, {AdmissionID: 2}}
	s, err := m.Start(context.Background(), "parent-1", "token", children)
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, "saved child loaded", func(st models.DerivedPositionState) bool {
		return st.Trip != nil && st.Trip.ID == "trip-2"
	})

	if err := m.SelectChild(context.Background(), "parent-1", 7); !errors.Is(err, ErrUnknownChild) {
		t.Errorf("SelectChild(unregistered) = %v, want ErrUnknownChild", err)
	}
	if err := m.SelectChild(context.Background(), "parent-2", 1); !errors.Is(err, ErrNoSession) {
		t.Errorf("SelectChild(no session) = %v, want ErrNoSession", err)
	}
	if err := m.SelectChild(context.Background(), "parent-1", 1); err != nil {
		t.Fatal(err)
	}
	if saved, _, _ := store.LoadSelection(context.Background(), "parent-1"); saved != 1 {
		t.Errorf("persisted selection = %d, want 1", saved)
	}

	if !m.Stop("parent-1") || m.Stop("parent-1") {
		t.Error("Stop should report true once, then false")
	}
}
