package tracking

import (
	"log"
	"math"
	"time"

	"schoolbus-tracker/internal/directions"
	"schoolbus-tracker/internal/geo"
	"schoolbus-tracker/internal/models"
)

// Settings are the thresholds the reconciler applies to every fix
type Settings struct {
	StillnessKmh      float64 // at or below this speed the bus is "stopped" and ETA is withheld
	VehicleSnapKm     float64 // bus marker snaps to the route when strictly closer than this
	DestinationSnapKm float64 // stop marker snaps to the route when strictly closer than this
	MarkerOffsetDeg   float64 // the bus artwork faces west, so headings are rotated by this
}

// DefaultSettings returns the thresholds the dashboard has always used
func DefaultSettings() Settings {
	return Settings{
		StillnessKmh:      5,
		VehicleSnapKm:     0.1,
		DestinationSnapKm: 0.2,
		MarkerOffsetDeg:   90,
	}
}

type reconcilerState int

const (
	stateIdle reconcilerState = iota
	stateAwaitingFirstFix
	stateTracking
)

// RouteTag identifies an in-flight route fetch: the trip it was issued for and
// its position in that trip's fetch sequence
type RouteTag struct {
	TripID string
	Seq    uint64
}

// RouteRequest asks the owner of the reconciler to fetch a driving route
type RouteRequest struct {
	Tag         RouteTag
	Origin      models.Coordinate
	Destination models.Coordinate
	First       bool // issued by the first fix of the trip; must not be throttled
	Preview     bool // issued on trip load, before any fix
}

// Reconciler turns vehicle fixes and route responses into a display state for one trip
// at a time. It is not safe for concurrent use; a Session owns it from a single goroutine.
type Reconciler struct {
	settings Settings
	state    reconcilerState
	trip     *models.Trip

	seq         uint64 // last issued fetch sequence
	appliedSeq  uint64 // last applied fetch sequence
	firstFixSeq uint64 // sequence issued by the first fix; earlier fetches are stale after it
	waiting     bool

	hasFix          bool
	fix             models.VehicleFix
	route           models.RoutePath
	durationMinutes *int

	display     *models.Coordinate
	rotation    float64
	eta         *int
	destination *models.Coordinate
	updatedAt   time.Time
}

// NewReconciler creates an idle reconciler
func NewReconciler(settings Settings) *Reconciler {
	return &Reconciler{settings: settings}
}

// Begin starts tracking a trip. All state derived from any previous trip is dropped first.
func (r *Reconciler) Begin(trip *models.Trip) {
	r.Reset()
	if trip == nil {
		return
	}

	r.trip = trip
	r.state = stateAwaitingFirstFix
	r.recompute()
}

// Reset returns the reconciler to Idle and synchronously clears every derived value.
// Route responses still in flight for the old trip will be discarded by ApplyRoute.
func (r *Reconciler) Reset() {
	*r = Reconciler{settings: r.settings, updatedAt: time.Now()}
}

// Trip returns the trip being tracked, or nil when idle
func (r *Reconciler) Trip() *models.Trip {
	return r.trip
}

// PreviewRequest returns the route request that draws the planned route from the trip's
// start point to its destination before the bus has reported a position
func (r *Reconciler) PreviewRequest() *RouteRequest {
	if r.state != stateAwaitingFirstFix || r.hasFix {
		return nil
	}
	if r.trip.StartPoint == nil || r.trip.Destination == nil {
		return nil
	}

	r.seq++
	return &RouteRequest{
		Tag:         RouteTag{TripID: r.trip.ID, Seq: r.seq},
		Origin:      *r.trip.StartPoint,
		Destination: r.trip.Destination.Coordinate,
		Preview:     true,
	}
}

// HandleFix records a raw fix and recomputes ETA, display position and rotation.
// When the trip has a destination it returns the route request this fix triggers.
func (r *Reconciler) HandleFix(fix models.VehicleFix) *RouteRequest {
	if r.state == stateIdle {
		return nil
	}

	first := !r.hasFix
	r.hasFix = true
	r.fix = fix

	// The preview route is hidden on the first fix until a route from the bus settles
	if first {
		r.route = nil
		r.durationMinutes = nil
	}

	var req *RouteRequest
	if r.trip.Destination != nil {
		r.seq++
		req = &RouteRequest{
			Tag:         RouteTag{TripID: r.trip.ID, Seq: r.seq},
			Origin:      fix.Coordinate,
			Destination: r.trip.Destination.Coordinate,
			First:       first,
		}
		if first {
			r.firstFixSeq = r.seq
			r.waiting = true
		}
	} else {
		// No fixed destination: nothing to route to, so nothing to wait for
		r.route = nil
		r.durationMinutes = nil
		r.state = stateTracking
	}

	r.recompute()
	return req
}

// ApplyRoute folds a settled route fetch into the state. It returns false when the
// response is stale (another trip, or older than one already applied) and was discarded.
// A failed fetch clears the route and duration rather than keeping a previous value.
func (r *Reconciler) ApplyRoute(tag RouteTag, route *directions.Route, err error) bool {
	if r.trip == nil || tag.TripID != r.trip.ID {
		return false
	}
	if tag.Seq <= r.appliedSeq {
		return false
	}
	if r.hasFix && tag.Seq < r.firstFixSeq {
		return false
	}
	r.appliedSeq = tag.Seq

	if err != nil || route == nil {
		if err != nil {
			log.Printf("⚠️  Route fetch %d for trip %s failed: %v - clearing route", tag.Seq, tag.TripID, err)
		}
		r.route = nil
		r.durationMinutes = nil
	} else {
		r.route = route.Path
		r.durationMinutes = route.DurationMinutes
	}

	if r.waiting && tag.Seq >= r.firstFixSeq {
		r.waiting = false
		r.state = stateTracking
	}

	r.recompute()
	return true
}

func (r *Reconciler) recompute() {
	r.updatedAt = time.Now()
	r.eta = r.computeEta()
	r.display = r.computeDisplay()
	r.rotation = r.computeRotation()

	r.destination = nil
	if r.trip != nil && r.trip.Destination != nil {
		snapped, _ := geo.Snap(r.trip.Destination.Coordinate, r.route, r.settings.DestinationSnapKm)
		r.destination = &snapped
	}
}

// computeEta divides the straight-line distance to the trip's ETA target by the
// current speed. Below the stillness threshold the bus is stopped and there is no ETA.
func (r *Reconciler) computeEta() *int {
	if !r.hasFix || r.fix.Speed <= r.settings.StillnessKmh {
		return nil
	}

	target, ok := r.trip.EtaTarget()
	if !ok {
		return nil
	}

	distance := geo.DistanceKm(r.fix.Coordinate, target)
	minutes := int(math.Round(distance / r.fix.Speed * 60))
	return &minutes
}

func (r *Reconciler) computeDisplay() *models.Coordinate {
	if !r.hasFix {
		return nil
	}
	snapped, _ := geo.Snap(r.fix.Coordinate, r.route, r.settings.VehicleSnapKm)
	return &snapped
}

// computeRotation prefers the bearing along the route when the GPS heading is missing
// (reported as exactly 0) or unreliable at crawling speed
func (r *Reconciler) computeRotation() float64 {
	if !r.hasFix {
		return 0
	}

	rotation := r.fix.Heading
	if len(r.route) >= 2 {
		closest := geo.NearestVertex(r.fix.Coordinate, r.route)
		next := closest + 1
		if next > len(r.route)-1 {
			next = len(r.route) - 1
		}
		routeBearing := geo.BearingDegrees(r.fix.Coordinate, r.route[next])

		if r.fix.Heading == 0 || r.fix.Speed < r.settings.StillnessKmh {
			rotation = routeBearing
		}
	}

	return geo.NormalizeDegrees(rotation + r.settings.MarkerOffsetDeg)
}

// State returns a copy of the derived display state
func (r *Reconciler) State() models.DerivedPositionState {
	st := models.DerivedPositionState{
		Phase:           models.PhaseIdle,
		Trip:            r.trip,
		Waiting:         r.waiting,
		RotationDegrees: r.rotation,
		RoutePath:       append(models.RoutePath{}, r.route...),
		UpdatedAt:       r.updatedAt,
	}

	switch r.state {
	case stateAwaitingFirstFix:
		st.Phase = models.PhaseAwaitingFirstFix
	case stateTracking:
		st.Phase = models.PhaseTracking
	}

	if r.trip != nil {
		st.AdmissionID = r.trip.AdmissionID
	}
	if r.display != nil {
		c := *r.display
		st.DisplayCoordinate = &c
	}
	if r.destination != nil {
		c := *r.destination
		st.DestinationCoordinate = &c
	}
	if r.eta != nil {
		v := *r.eta
		st.EtaMinutes = &v
	}
	if r.durationMinutes != nil {
		v := *r.durationMinutes
		st.RouteDurationMinutes = &v
	}
	if r.hasFix {
		fix := r.fix
		st.LastFix = &fix
		st.SpeedKmh = fix.Speed
		st.HeadingDegrees = fix.Heading
		st.Stopped = fix.Speed <= r.settings.StillnessKmh
	}

	return st
}
