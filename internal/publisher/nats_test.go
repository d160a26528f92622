package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"schoolbus-tracker/internal/models"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func (f *fakeConn) Drain() error { return nil }
func (f *fakeConn) Close()       {}

type countingMetrics struct {
	published, errs int
}

func (c *countingMetrics) NATSPublishedInc()            { c.published++ }
func (c *countingMetrics) NATSPublishErrInc()           { c.errs++ }
func (c *countingMetrics) PublishObserve(time.Duration) {}
func (c *countingMetrics) NATSSetConnected(bool)        {}

func trackingState() models.DerivedPositionState {
	eta := 7
	return models.DerivedPositionState{
		Phase: models.PhaseTracking,
		Trip: &models.Trip{
			ID:        "5f0c2a8e-8d4e-4e63-a8a5-1f7f6c3c9b10",
			RouteType: models.RouteTypeDrop,
			Vehicle:   &models.Vehicle{RegisterNumber: "KL-07-AB-1234"},
		},
		DisplayCoordinate: &models.Coordinate{Latitude: 10.0, Longitude: 76.3},
		LastFix:           &models.VehicleFix{Coordinate: models.Coordinate{Latitude: 10.0001, Longitude: 76.3}},
		RotationDegrees:   180,
		SpeedKmh:          24,
		EtaMinutes:        &eta,
	}
}

func TestPublishState(t *testing.T) {
	conn := &fakeConn{}
	m := &countingMetrics{}
	p := newPublisher(conn, "bus", m)

	p.PublishState(trackingState())

	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	if conn.msgs[0].subject != "bus.KL07AB1234.position" {
		t.Errorf("subject = %q", conn.msgs[0].subject)
	}

	var msg PositionMessage
	if err := json.Unmarshal(conn.msgs[0].data, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Lat != 10.0 || msg.RawLat != 10.0001 || msg.EtaMinutes == nil || *msg.EtaMinutes != 7 {
		t.Errorf("payload = %+v", msg)
	}
	if m.published != 1 {
		t.Errorf("published metric = %d, want 1", m.published)
	}
}

func TestPublishStateSkipsUnknownPosition(t *testing.T) {
	conn := &fakeConn{}
	p := newPublisher(conn, "", nil)

	st := trackingState()
	st.DisplayCoordinate = nil
	p.PublishState(st)

	if len(conn.msgs) != 0 {
		t.Errorf("published %d messages for a state with no position", len(conn.msgs))
	}
}

func TestPublishErrorCounted(t *testing.T) {
	m := &countingMetrics{}
	p := newPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "bus", m)

	msg, _ := NewPositionMessage(trackingState())
	if err := p.PublishPosition(msg); err == nil {
		t.Fatal("expected publish error")
	}
	if m.errs != 1 {
		t.Errorf("error metric = %d, want 1", m.errs)
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"KL07AB1234": "KL07AB1234",
		"bus.north":  "bus_north",
		" a b ":      "a_b",
		"":           "_",
		"x>*":        "x__",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
