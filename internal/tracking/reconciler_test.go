package tracking

import (
	"errors"
	"testing"

	"schoolbus-tracker/internal/directions"
	"schoolbus-tracker/internal/geo"
	"schoolbus-tracker/internal/models"
)

// kmNorth is the latitude delta for travelling km kilometres due north on the sphere
func kmNorth(km float64) float64 {
	return km / (geo.EarthRadiusKm * 3.141592653589793 / 180)
}

func dropTrip(id string) *models.Trip {
	return &models.Trip{
		ID:          id,
		AdmissionID: 42,
		RouteType:   models.RouteTypeDrop,
		StartPoint:  &models.Coordinate{Latitude: 0, Longitude: -0.05},
		Destination: &models.Stop{
			Coordinate: models.Coordinate{Latitude: kmNorth(10), Longitude: 0},
			Title:      "Main Gate",
		},
		Vehicle: &models.Vehicle{RegisterNumber: "KL-07-AB-1234"},
	}
}

func fixAt(lat, lon, speed, heading float64) models.VehicleFix {
	return models.VehicleFix{
		VehicleNo:  "KL07AB1234",
		Coordinate: models.Coordinate{Latitude: lat, Longitude: lon},
		Speed:      speed,
		Heading:    heading,
	}
}

func straightRoute(minutes int) *directions.Route {
	return &directions.Route{
		Path: models.RoutePath{
			{Latitude: 0, Longitude: 0},
			{Latitude: kmNorth(5), Longitude: 0},
			{Latitude: kmNorth(10), Longitude: 0},
		},
		DurationMinutes: &minutes,
	}
}

func TestReconcilerEta(t *testing.T) {
	tests := []struct {
		name    string
		speed   float64
		wantEta *int
	}{
		{"30 km/h over 10 km", 30, intPtr(20)},
		{"60 km/h over 10 km", 60, intPtr(10)},
		{"exactly at stillness threshold", 5, nil},
		{"below stillness threshold", 4.9, nil},
		{"parked", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(DefaultSettings())
			r.Begin(dropTrip("t1"))
			r.HandleFix(fixAt(0, 0, tt.speed, 0))

			got := r.State().EtaMinutes
			if (got == nil) != (tt.wantEta == nil) {
				t.Fatalf("EtaMinutes = %v, want %v", deref(got), deref(tt.wantEta))
			}
			if got != nil && *got != *tt.wantEta {
				t.Errorf("EtaMinutes = %d, want %d", *got, *tt.wantEta)
			}
		})
	}
}

func TestReconcilerEtaTargetsByRouteType(t *testing.T) {
	trip := dropTrip("t1")
	trip.RouteType = models.RouteTypePickup
	trip.Stops = []models.Stop{
		{Coordinate: models.Coordinate{Latitude: kmNorth(2), Longitude: 0}},
		{Coordinate: models.Coordinate{Latitude: kmNorth(15), Longitude: 0}}, // school
	}

	r := NewReconciler(DefaultSettings())
	r.Begin(trip)
	r.HandleFix(fixAt(0, 0, 30, 0))

	// 15 km at 30 km/h: pickup trips measure to the last stop, not the child's stop
	if eta := r.State().EtaMinutes; eta == nil || *eta != 30 {
		t.Errorf("pickup EtaMinutes = %v, want 30", deref(eta))
	}

	trip.Destination = nil
	r.Begin(trip)
	r.HandleFix(fixAt(0, 0, 30, 0))
	if eta := r.State().EtaMinutes; eta != nil {
		t.Errorf("EtaMinutes without destination = %d, want nil", *eta)
	}
}

func TestReconcilerStoppedFlag(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	r.HandleFix(fixAt(0, 0, 3, 0))
	if !r.State().Stopped {
		t.Error("Stopped = false at 3 km/h, want true")
	}

	r.HandleFix(fixAt(0, 0, 25, 0))
	if r.State().Stopped {
		t.Error("Stopped = true at 25 km/h, want false")
	}
}

func TestReconcilerLifecycle(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	if got := r.State().Phase; got != models.PhaseIdle {
		t.Fatalf("initial phase = %s, want idle", got)
	}
	if req := r.HandleFix(fixAt(0, 0, 30, 0)); req != nil {
		t.Fatal("idle reconciler issued a route request")
	}

	r.Begin(dropTrip("t1"))
	if got := r.State().Phase; got != models.PhaseAwaitingFirstFix {
		t.Fatalf("phase after Begin = %s, want awaiting_first_fix", got)
	}

	preview := r.PreviewRequest()
	if preview == nil || !preview.Preview {
		t.Fatal("expected a preview request from the start point")
	}
	if preview.Origin != *dropTrip("t1").StartPoint {
		t.Errorf("preview origin = %v, want start point", preview.Origin)
	}
	if !r.ApplyRoute(preview.Tag, straightRoute(30), nil) {
		t.Fatal("preview route discarded")
	}
	if len(r.State().RoutePath) != 3 {
		t.Fatalf("preview route not shown")
	}

	req := r.HandleFix(fixAt(0, 0, 30, 0))
	if req == nil || !req.First {
		t.Fatal("first fix must issue a first route request")
	}
	st := r.State()
	if len(st.RoutePath) != 0 {
		t.Error("route should be cleared at the first fix")
	}
	if !st.Waiting {
		t.Error("Waiting = false after first fix, want true")
	}
	if st.DisplayCoordinate == nil {
		t.Error("display coordinate missing after first fix")
	}

	if !r.ApplyRoute(req.Tag, straightRoute(21), nil) {
		t.Fatal("first fix route discarded")
	}
	st = r.State()
	if st.Phase != models.PhaseTracking || st.Waiting {
		t.Errorf("after first route: phase=%s waiting=%v, want tracking/false", st.Phase, st.Waiting)
	}
	if st.RouteDurationMinutes == nil || *st.RouteDurationMinutes != 21 {
		t.Errorf("RouteDurationMinutes = %v, want 21", deref(st.RouteDurationMinutes))
	}

	next := r.HandleFix(fixAt(kmNorth(1), 0, 30, 0))
	if next == nil || next.First {
		t.Fatal("subsequent fix should issue a non-first request")
	}
}

func TestReconcilerPreviewSettlingLateIsDiscarded(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	preview := r.PreviewRequest()
	first := r.HandleFix(fixAt(0, 0, 30, 0))

	if r.ApplyRoute(preview.Tag, straightRoute(30), nil) {
		t.Fatal("preview settling after the first fix must be discarded")
	}
	if !r.State().Waiting {
		t.Error("stale preview ended the waiting state")
	}
	if !r.ApplyRoute(first.Tag, straightRoute(20), nil) {
		t.Fatal("first fix route discarded")
	}
}

func TestReconcilerFailedFetchClearsRoute(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	req := r.HandleFix(fixAt(0, 0, 30, 0))
	r.ApplyRoute(req.Tag, straightRoute(20), nil)

	req = r.HandleFix(fixAt(kmNorth(1), 0, 30, 0))
	if !r.ApplyRoute(req.Tag, nil, directions.ErrProviderStatus) {
		t.Fatal("failed fetch should still be applied")
	}

	st := r.State()
	if len(st.RoutePath) != 0 {
		t.Errorf("RoutePath has %d points after failure, want 0", len(st.RoutePath))
	}
	if st.RouteDurationMinutes != nil {
		t.Errorf("RouteDurationMinutes = %d after failure, want nil", *st.RouteDurationMinutes)
	}
	if st.Phase != models.PhaseTracking {
		t.Errorf("phase = %s, want tracking", st.Phase)
	}
}

func TestReconcilerFirstFetchFailureEndsWaiting(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	req := r.HandleFix(fixAt(0, 0, 30, 0))
	r.ApplyRoute(req.Tag, nil, errors.New("timeout"))

	st := r.State()
	if st.Waiting || st.Phase != models.PhaseTracking {
		t.Errorf("phase=%s waiting=%v, want tracking/false", st.Phase, st.Waiting)
	}
}

func TestReconcilerNoDestination(t *testing.T) {
	trip := dropTrip("t1")
	trip.Destination = nil

	r := NewReconciler(DefaultSettings())
	r.Begin(trip)
	if r.PreviewRequest() != nil {
		t.Error("no preview without a destination")
	}

	if req := r.HandleFix(fixAt(0, 0, 30, 90)); req != nil {
		t.Error("no route request without a destination")
	}

	st := r.State()
	if st.Phase != models.PhaseTracking || st.Waiting {
		t.Errorf("phase=%s waiting=%v, want tracking/false", st.Phase, st.Waiting)
	}
	if st.DestinationCoordinate != nil {
		t.Error("destination marker without destination")
	}
	if st.DisplayCoordinate == nil || *st.DisplayCoordinate != (models.Coordinate{}) {
		t.Errorf("display coordinate = %v, want raw fix", st.DisplayCoordinate)
	}
}

// Scenario: switching child while tracking must clear everything before anything else resolves
func TestReconcilerTripSwitchClearsSynchronously(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))
	req := r.HandleFix(fixAt(0, 0, 30, 0))
	r.ApplyRoute(req.Tag, straightRoute(20), nil)

	st := r.State()
	if len(st.RoutePath) == 0 || st.EtaMinutes == nil {
		t.Fatal("precondition: expected a route and an ETA")
	}

	r.Reset()

	st = r.State()
	if len(st.RoutePath) != 0 {
		t.Errorf("RoutePath has %d points, want 0", len(st.RoutePath))
	}
	if st.DisplayCoordinate != nil {
		t.Errorf("DisplayCoordinate = %v, want nil", st.DisplayCoordinate)
	}
	if st.EtaMinutes != nil {
		t.Errorf("EtaMinutes = %d, want nil", *st.EtaMinutes)
	}
	if st.Phase != models.PhaseIdle {
		t.Errorf("phase = %s, want idle", st.Phase)
	}
}

// Scenario: a fetch issued for T1 resolving after the switch to T2 must not touch T2
func TestReconcilerStaleTripDiscard(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))
	t1Req := r.HandleFix(fixAt(0, 0, 30, 0))

	r.Begin(dropTrip("t2"))
	t2Req := r.HandleFix(fixAt(kmNorth(1), 0, 30, 0))
	r.ApplyRoute(t2Req.Tag, straightRoute(17), nil)

	before := r.State()

	stale := &directions.Route{
		Path: models.RoutePath{{Latitude: 50, Longitude: 50}, {Latitude: 51, Longitude: 51}},
	}
	if r.ApplyRoute(t1Req.Tag, stale, nil) {
		t.Fatal("T1 response applied to T2")
	}

	after := r.State()
	if len(after.RoutePath) != len(before.RoutePath) || after.RoutePath[0] != before.RoutePath[0] {
		t.Error("T2 route changed by a stale T1 response")
	}
	if after.RouteDurationMinutes == nil || *after.RouteDurationMinutes != 17 {
		t.Errorf("T2 duration = %v, want 17", deref(after.RouteDurationMinutes))
	}
}

func TestReconcilerOutOfOrderResponses(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	first := r.HandleFix(fixAt(0, 0, 30, 0))
	second := r.HandleFix(fixAt(kmNorth(1), 0, 30, 0))

	if !r.ApplyRoute(second.Tag, straightRoute(18), nil) {
		t.Fatal("newer response discarded")
	}
	if r.ApplyRoute(first.Tag, straightRoute(20), nil) {
		t.Fatal("older response applied after a newer one")
	}
	if d := r.State().RouteDurationMinutes; d == nil || *d != 18 {
		t.Errorf("duration = %v, want 18", deref(d))
	}
}

func TestReconcilerSnapping(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))

	// 50 m east of a north-running route: inside the 100 m vehicle threshold
	offset := kmNorth(0.05)
	req := r.HandleFix(fixAt(kmNorth(2), offset, 30, 0))
	r.ApplyRoute(req.Tag, straightRoute(20), nil)

	st := r.State()
	if st.DisplayCoordinate == nil || st.DisplayCoordinate.Longitude != 0 {
		t.Errorf("display = %v, want snapped onto lon 0", st.DisplayCoordinate)
	}

	// 150 m east: outside the vehicle threshold, stays raw
	r.HandleFix(fixAt(kmNorth(2), kmNorth(0.15), 30, 0))
	st = r.State()
	if st.DisplayCoordinate == nil || st.DisplayCoordinate.Longitude != kmNorth(0.15) {
		t.Errorf("display = %v, want raw fix", st.DisplayCoordinate)
	}

	if st.DestinationCoordinate == nil {
		t.Fatal("destination marker missing")
	}
	if d := geo.DistanceKm(*st.DestinationCoordinate, dropTrip("t1").Destination.Coordinate); d > 1e-6 {
		t.Errorf("destination = %v, want stop on route end", *st.DestinationCoordinate)
	}
}

func TestReconcilerRotation(t *testing.T) {
	tests := []struct {
		name    string
		speed   float64
		heading float64
		want    float64
	}{
		{"gps heading at speed", 30, 180, 270},
		{"missing heading uses route bearing", 30, 0, 90},
		{"slow bus uses route bearing", 3, 180, 90},
		{"wraps past 360", 30, 300, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(DefaultSettings())
			r.Begin(dropTrip("t1"))
			req := r.HandleFix(fixAt(kmNorth(1), 0, tt.speed, tt.heading))
			r.ApplyRoute(req.Tag, straightRoute(20), nil)

			got := r.State().RotationDegrees
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("RotationDegrees = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestReconcilerRotationWithoutRoute(t *testing.T) {
	r := NewReconciler(DefaultSettings())
	r.Begin(dropTrip("t1"))
	r.HandleFix(fixAt(0, 0, 3, 45))

	// No route yet: the raw heading is all there is, even when slow
	if got := r.State().RotationDegrees; got != 135 {
		t.Errorf("RotationDegrees = %f, want 135", got)
	}
}

func intPtr(v int) *int { return &v }

func deref(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
