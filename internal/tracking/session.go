package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"schoolbus-tracker/internal/directions"
	"schoolbus-tracker/internal/models"
	"schoolbus-tracker/internal/school"
)

// ErrSessionClosed is returned by operations on a session whose loop has exited
var ErrSessionClosed = errors.New("tracking session closed")

// TripSource loads the active trip for a child
type TripSource interface {
	CurrentTrip(ctx context.Context, admission int) (*models.Trip, error)
}

// TripSourceFunc adapts a function to TripSource
type TripSourceFunc func(ctx context.Context, admission int) (*models.Trip, error)

func (f TripSourceFunc) CurrentTrip(ctx context.Context, admission int) (*models.Trip, error) {
	return f(ctx, admission)
}

// Subscription is a live feed of fixes for one vehicle
type Subscription interface {
	Fixes() <-chan models.VehicleFix
	Status() <-chan bool
	Close() error
}

// FixStream opens vehicle subscriptions
type FixStream interface {
	Subscribe(ctx context.Context, vehicleKey string) (Subscription, error)
}

// FixStreamFunc adapts a function to FixStream
type FixStreamFunc func(ctx context.Context, vehicleKey string) (Subscription, error)

func (f FixStreamFunc) Subscribe(ctx context.Context, vehicleKey string) (Subscription, error) {
	return f(ctx, vehicleKey)
}

// Metrics receives pipeline counters. The prometheus collector implements it.
type Metrics interface {
	FixReceived()
	RouteFetched(took time.Duration, err error)
	RouteDiscarded()
	RouteThrottled()
}

type nopMetrics struct{}

func (nopMetrics) FixReceived()                      {}
func (nopMetrics) RouteFetched(time.Duration, error) {}
func (nopMetrics) RouteDiscarded()                   {}
func (nopMetrics) RouteThrottled()                   {}

// SessionConfig holds the collaborators of a session
type SessionConfig struct {
	Settings     Settings
	Trips        TripSource
	Fixes        FixStream
	Router       directions.Fetcher
	Throttle     *directions.Throttle // optional
	Metrics      Metrics              // optional
	FetchTimeout time.Duration

	// OnChange is called from the session goroutine after every state change
	OnChange func(models.DerivedPositionState)
	// OnFix is called from the session goroutine for every accepted fix
	OnFix func(tripID string, fix models.VehicleFix)
}

type event interface{}

type selectChildEvent struct {
	admission int
	done      chan struct{}
}

type tripLoadedEvent struct {
	gen       uint64
	admission int
	trip      *models.Trip
	err       error
}

type fixEvent struct {
	subGen uint64
	fix    models.VehicleFix
}

type streamStatusEvent struct {
	subGen    uint64
	connected bool
}

type routeFetchedEvent struct {
	tag   RouteTag
	route *directions.Route
	err   error
	took  time.Duration
}

// Session runs the reconciliation pipeline for one parent. Every event is handled by a
// single goroutine in arrival order; fetches run concurrently and post their results back.
type Session struct {
	UserID string

	cfg    SessionConfig
	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the loop goroutine
	reconciler      *Reconciler
	admission       int
	phase           models.TrackingPhase // overrides the reconciler phase when set
	lastErr         string
	tripGen         uint64
	sub             Subscription
	subKey          string
	subGen          uint64
	streamConnected bool

	mutex    sync.RWMutex
	snapshot models.DerivedPositionState
}

// NewSession starts the session goroutine. Call Close to stop it.
func NewSession(userID string, cfg SessionConfig) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		UserID:     userID,
		cfg:        cfg,
		events:     make(chan event, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		reconciler: NewReconciler(cfg.Settings),
		phase:      models.PhaseIdle,
		snapshot:   models.DerivedPositionState{Phase: models.PhaseIdle, RoutePath: models.RoutePath{}},
	}

	go s.run()
	return s
}

// SelectChild switches the tracked child. It returns once the previous trip's state has
// been cleared; the new trip loads in the background. Admission 0 stops tracking.
func (s *Session) SelectChild(admission int) error {
	done := make(chan struct{})
	select {
	case s.events <- selectChildEvent{admission: admission, done: done}:
	case <-s.ctx.Done():
		return ErrSessionClosed
	}

	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// State returns the latest published state
func (s *Session) State() models.DerivedPositionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.snapshot
}

// Close stops the loop and closes the vehicle subscription
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.unsubscribe()
	defer s.forgetTrip()

	for {
		select {
		case <-s.ctx.Done():
			log.Printf("🛑 Session for user %s closed", s.UserID)
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case selectChildEvent:
		s.handleSelectChild(e)
	case tripLoadedEvent:
		s.handleTripLoaded(e)
	case fixEvent:
		s.handleFix(e)
	case streamStatusEvent:
		s.handleStreamStatus(e)
	case routeFetchedEvent:
		s.handleRouteFetched(e)
	default:
		log.Printf("⚠️  Session %s: unknown event %T", s.UserID, ev)
	}
}

func (s *Session) handleSelectChild(e selectChildEvent) {
	defer close(e.done)

	s.forgetTrip()

	s.tripGen++
	s.unsubscribe()
	s.reconciler.Reset()
	s.admission = e.admission
	s.lastErr = ""

	if e.admission == 0 {
		s.phase = models.PhaseIdle
		s.publish()
		return
	}

	log.Printf("👶 Session %s: selected admission %d", s.UserID, e.admission)
	s.phase = models.PhaseLoading
	s.publish()

	gen := s.tripGen
	go func() {
		trip, err := s.cfg.Trips.CurrentTrip(s.ctx, e.admission)
		s.post(tripLoadedEvent{gen: gen, admission: e.admission, trip: trip, err: err})
	}()
}

func (s *Session) handleTripLoaded(e tripLoadedEvent) {
	if e.gen != s.tripGen {
		log.Printf("🗑️  Session %s: discarding trip load for admission %d (selection changed)", s.UserID, e.admission)
		return
	}

	if e.err == nil && e.trip == nil {
		e.err = school.ErrNoActiveRoute
	}

	if e.err != nil {
		if errors.Is(e.err, school.ErrNoActiveRoute) {
			log.Printf("📭 Session %s: no active route for admission %d", s.UserID, e.admission)
			s.phase = models.PhaseNoRoute
		} else {
			log.Printf("❌ Session %s: failed to load trip for admission %d: %v", s.UserID, e.admission, e.err)
			s.phase = models.PhaseError
			s.lastErr = e.err.Error()
		}
		s.publish()
		return
	}

	trip := e.trip
	s.reconciler.Begin(trip)
	s.phase = ""

	log.Printf("✅ Session %s: tracking trip %s (%s) for admission %d", s.UserID, trip.ID, trip.RouteType, e.admission)

	if key := trip.StreamKey(); key != "" {
		if err := s.subscribe(key); err != nil {
			log.Printf("❌ Session %s: failed to subscribe to vehicle %s: %v", s.UserID, key, err)
			s.phase = models.PhaseError
			s.lastErr = err.Error()
			s.publish()
			return
		}
	} else {
		log.Printf("⚠️  Session %s: trip %s has no vehicle assigned", s.UserID, trip.ID)
	}

	if req := s.reconciler.PreviewRequest(); req != nil {
		s.fetchRoute(*req)
	}

	s.publish()
}

func (s *Session) handleFix(e fixEvent) {
	if e.subGen != s.subGen {
		return
	}

	fix := e.fix
	log.Printf("📍 Session %s: fix %s lat=%.6f lon=%.6f speed=%.1f heading=%.1f",
		s.UserID, fix.VehicleNo, fix.Coordinate.Latitude, fix.Coordinate.Longitude, fix.Speed, fix.Heading)
	s.cfg.Metrics.FixReceived()

	trip := s.reconciler.Trip()
	if trip != nil && s.cfg.OnFix != nil {
		s.cfg.OnFix(trip.ID, fix)
	}

	req := s.reconciler.HandleFix(fix)
	if req != nil {
		allowed := true
		if s.cfg.Throttle != nil {
			allowed = s.cfg.Throttle.Allow(req.Tag.TripID, req.Origin, time.Now())
		}
		if allowed || req.First {
			s.fetchRoute(*req)
		} else {
			s.cfg.Metrics.RouteThrottled()
		}
	}

	s.publish()
}

func (s *Session) handleStreamStatus(e streamStatusEvent) {
	if e.subGen != s.subGen || s.streamConnected == e.connected {
		return
	}

	s.streamConnected = e.connected
	if e.connected {
		log.Printf("🔌 Session %s: vehicle stream %s connected", s.UserID, s.subKey)
	} else {
		log.Printf("⚠️  Session %s: vehicle stream %s disconnected - keeping last known state", s.UserID, s.subKey)
	}
	s.publish()
}

func (s *Session) handleRouteFetched(e routeFetchedEvent) {
	s.cfg.Metrics.RouteFetched(e.took, e.err)

	if !s.reconciler.ApplyRoute(e.tag, e.route, e.err) {
		log.Printf("🗑️  Session %s: discarding stale route %s#%d", s.UserID, e.tag.TripID, e.tag.Seq)
		s.cfg.Metrics.RouteDiscarded()
		return
	}

	if e.err == nil && e.route != nil {
		log.Printf("🗺️  Session %s: route %s#%d applied (%d points, %v)", s.UserID, e.tag.TripID, e.tag.Seq, len(e.route.Path), e.took)
	}
	s.publish()
}

func (s *Session) fetchRoute(req RouteRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		route, err := s.cfg.Router.FetchRoute(ctx, req.Origin, req.Destination)
		s.post(routeFetchedEvent{tag: req.Tag, route: route, err: err, took: time.Since(start)})
	}()
}

func (s *Session) subscribe(vehicleKey string) error {
	sub, err := s.cfg.Fixes.Subscribe(s.ctx, vehicleKey)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", vehicleKey, err)
	}

	s.subGen++
	s.sub = sub
	s.subKey = vehicleKey
	gen := s.subGen

	go func() {
		fixes := sub.Fixes()
		status := sub.Status()
		for fixes != nil || status != nil {
			select {
			case <-s.ctx.Done():
				return
			case fix, ok := <-fixes:
				if !ok {
					fixes = nil
					continue
				}
				s.post(fixEvent{subGen: gen, fix: fix})
			case connected, ok := <-status:
				if !ok {
					status = nil
					continue
				}
				s.post(streamStatusEvent{subGen: gen, connected: connected})
			}
		}
	}()

	return nil
}

// forgetTrip drops the throttle's record of the current trip; trip IDs are never reused
func (s *Session) forgetTrip() {
	if trip := s.reconciler.Trip(); trip != nil && s.cfg.Throttle != nil {
		s.cfg.Throttle.Forget(trip.ID)
	}
}

func (s *Session) unsubscribe() {
	if s.sub == nil {
		return
	}

	if err := s.sub.Close(); err != nil {
		log.Printf("⚠️  Session %s: closing vehicle stream %s: %v", s.UserID, s.subKey, err)
	}
	s.sub = nil
	s.subKey = ""
	s.subGen++
	s.streamConnected = false
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) publish() {
	st := s.reconciler.State()
	if s.phase != "" {
		st.Phase = s.phase
	}
	st.AdmissionID = s.admission
	st.StreamConnected = s.streamConnected
	st.Error = s.lastErr
	st.UpdatedAt = time.Now()

	s.mutex.Lock()
	s.snapshot = st
	s.mutex.Unlock()

	if s.cfg.OnChange != nil {
		s.cfg.OnChange(st)
	}
}
