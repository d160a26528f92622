package school

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"schoolbus-tracker/internal/models"
)

const dropRouteJSON = `{
	"status": true,
	"route_type": "drop",
	"route_data": {"start_point": {"latitude": "10.0100", "longitude": "76.3000"}},
	"point_data": {"latitude": 10.05, "longitude": 76.32, "stop_title": "Temple Junction", "area": "Kakkanad"},
	"full_route_data": [
		{"latitude": 10.03, "longitude": 76.31, "stop_title": "Market"},
		{"latitude": "", "longitude": "", "stop_title": "Unmapped"},
		{"latitude": 10.05, "longitude": 76.32, "stop_title": "Temple Junction"}
	],
	"vehicle": {"register_number": "KL-07-AB-1234", "vehicle_tag": "Bus 4"}
}`

type seenRequest struct {
	mutex sync.Mutex
	path  string
	auth  string
}

func (s *seenRequest) get() (string, string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.path, s.auth
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *seenRequest) {
	t.Helper()
	seen := &seenRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.mutex.Lock()
		seen.path = r.URL.Path
		seen.auth = r.Header.Get("Authorization")
		seen.mutex.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestCurrentTrip(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, dropRouteJSON)

	client := NewClient(srv.URL, time.Second)
	trip, err := client.CurrentTrip(context.Background(), "parent-token", 1042)
	if err != nil {
		t.Fatalf("CurrentTrip: %v", err)
	}

	path, auth := seen.get()
	if path != "/student/current-route/1042" {
		t.Errorf("path = %s", path)
	}
	if auth != "Bearer parent-token" {
		t.Errorf("Authorization = %q", auth)
	}

	if trip.ID == "" {
		t.Error("trip ID not assigned")
	}
	if trip.AdmissionID != 1042 || trip.RouteType != models.RouteTypeDrop {
		t.Errorf("trip = %+v", trip)
	}
	if trip.StartPoint == nil || trip.StartPoint.Latitude != 10.01 {
		t.Errorf("StartPoint = %v, want lat 10.01", trip.StartPoint)
	}
	if trip.Destination == nil || trip.Destination.Title != "Temple Junction" || trip.Destination.Area != "Kakkanad" {
		t.Errorf("Destination = %+v", trip.Destination)
	}
	if len(trip.Stops) != 2 {
		t.Errorf("Stops = %d, want 2 (unmapped stop dropped)", len(trip.Stops))
	}
	if trip.StreamKey() != "KL07AB1234" {
		t.Errorf("StreamKey = %q, want KL07AB1234", trip.StreamKey())
	}
}

func TestCurrentTripDistinctIDs(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, dropRouteJSON)
	client := NewClient(srv.URL, time.Second)

	a, err := client.CurrentTrip(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := client.CurrentTrip(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("reloading the same route must produce a new trip instance")
	}
}

func TestCurrentTripMissingDestination(t *testing.T) {
	body := `{"status": true, "route_type": "pickup", "route_data": {}, "vehicle": {"register_number": "KL07AB1234"}}`
	srv, _ := newTestServer(t, http.StatusOK, body)

	trip, err := NewClient(srv.URL, time.Second).CurrentTrip(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("CurrentTrip: %v", err)
	}
	if trip.Destination != nil || trip.StartPoint != nil {
		t.Errorf("expected no destination or start point, got %+v", trip)
	}
	if _, ok := trip.EtaTarget(); ok {
		t.Error("EtaTarget should be unavailable without a destination")
	}
}

func TestCurrentTripErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"status false", http.StatusOK, `{"status": false, "message": "No route assigned"}`, ErrNoActiveRoute},
		{"missing route_data", http.StatusOK, `{"status": true, "route_type": "drop"}`, ErrNoActiveRoute},
		{"not found", http.StatusNotFound, `{}`, ErrNoActiveRoute},
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrUnauthorized},
		{"server error", http.StatusInternalServerError, `oops`, nil},
		{"bad json", http.StatusOK, `{"status": tru`, nil},
		{"unknown route type", http.StatusOK, `{"status": true, "route_type": "field_trip", "route_data": {}}`, nil},
		{"out of range stop", http.StatusOK,
			`{"status": true, "route_type": "drop", "route_data": {}, "point_data": {"latitude": 95, "longitude": 76}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)

			_, err := NewClient(srv.URL, time.Second).CurrentTrip(context.Background(), "", 1)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && errors.Is(err, ErrNoActiveRoute) {
				t.Errorf("transient failure reported as no route: %v", err)
			}
		})
	}
}
