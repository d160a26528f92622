package directions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"schoolbus-tracker/internal/geo"
	"schoolbus-tracker/internal/models"
)

func newTestServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.URL.Path != "/maps/api/directions/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRouteSuccess(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"origin":      r.URL.Query().Get("origin"),
			"destination": r.URL.Query().Get("destination"),
			"key":         r.URL.Query().Get("key"),
		}
		w.Write([]byte(`{
			"status": "OK",
			"routes": [{
				"overview_polyline": {"points": "_p~iF~ps|U_ulLnnqC"},
				"legs": [{"duration": {"value": 1250}}]
			}]
		}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	route, err := client.FetchRoute(context.Background(),
		models.Coordinate{Latitude: 19.2288, Longitude: 72.8574},
		models.Coordinate{Latitude: 19.25, Longitude: 72.86},
	)
	if err != nil {
		t.Fatalf("FetchRoute returned error: %v", err)
	}

	if len(route.Path) != 2 {
		t.Fatalf("route has %d points, expected 2", len(route.Path))
	}
	if route.DurationMinutes == nil || *route.DurationMinutes != 21 {
		t.Errorf("DurationMinutes = %v, expected 21", route.DurationMinutes)
	}
	if gotQuery["origin"] != "19.228800,72.857400" {
		t.Errorf("origin = %q", gotQuery["origin"])
	}
	if gotQuery["destination"] != "19.250000,72.860000" {
		t.Errorf("destination = %q", gotQuery["destination"])
	}
	if gotQuery["key"] != "test-key" {
		t.Errorf("key = %q", gotQuery["key"])
	}
}

func TestFetchRouteWithoutLegs(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"status":"OK","routes":[{"overview_polyline":{"points":"_p~iF~ps|U_ulLnnqC"}}]}`, nil)

	route, err := NewClient("k", srv.URL, time.Second).FetchRoute(context.Background(), models.Coordinate{}, models.Coordinate{})
	if err != nil {
		t.Fatalf("FetchRoute returned error: %v", err)
	}
	if route.DurationMinutes != nil {
		t.Errorf("DurationMinutes = %d, expected unknown", *route.DurationMinutes)
	}
}

func TestFetchRouteFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"provider status", http.StatusOK, `{"status":"REQUEST_DENIED","error_message":"bad key","routes":[]}`, ErrProviderStatus},
		{"zero results", http.StatusOK, `{"status":"ZERO_RESULTS","routes":[]}`, ErrProviderStatus},
		{"empty routes", http.StatusOK, `{"status":"OK","routes":[]}`, ErrNoRoute},
		{"missing polyline", http.StatusOK, `{"status":"OK","routes":[{"legs":[]}]}`, ErrNoRoute},
		{"malformed polyline", http.StatusOK, `{"status":"OK","routes":[{"overview_polyline":{"points":"_p~iF"}}]}`, geo.ErrMalformedPolyline},
		{"http error", http.StatusInternalServerError, `oops`, nil},
		{"invalid json", http.StatusOK, `{`, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var hits int32
			srv := newTestServer(t, tc.status, tc.body, &hits)

			route, err := NewClient("k", srv.URL, time.Second).FetchRoute(context.Background(), models.Coordinate{}, models.Coordinate{})
			if err == nil {
				t.Fatalf("expected error, got route %+v", route)
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Errorf("error = %v, expected %v", err, tc.target)
			}
			if hits != 1 {
				t.Errorf("provider called %d times, expected exactly once", hits)
			}
		})
	}
}

func TestFetchRouteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewClient("k", srv.URL, 50*time.Millisecond).FetchRoute(context.Background(), models.Coordinate{}, models.Coordinate{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("FetchRoute took %v, timeout not applied", elapsed)
	}
}
