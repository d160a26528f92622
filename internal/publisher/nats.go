package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"schoolbus-tracker/internal/models"
)

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc      Conn
	prefix  string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("schoolbus-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("⚠️  NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("✅ NATS reconnected to %s", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, m), nil
}

func newPublisher(nc Conn, prefix string, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "bus"
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is what downstream consumers (dashboards, analytics) receive for
// every state change of a tracked bus
type PositionMessage struct {
	VehicleNo       string               `json:"vehicleNo"`
	TripID          string               `json:"tripId"`
	RouteType       models.RouteType     `json:"routeType"`
	Timestamp       time.Time            `json:"timestamp"`
	Phase           models.TrackingPhase `json:"phase"`
	Lat             float64              `json:"lat"`
	Lon             float64              `json:"lon"`
	RawLat          float64              `json:"rawLat"`
	RawLon          float64              `json:"rawLon"`
	Rotation        float64              `json:"rotation"`
	SpeedKmh        float64              `json:"speedKmh"`
	EtaMinutes      *int                 `json:"etaMinutes"`
	Stopped         bool                 `json:"stopped"`
	StreamConnected bool                 `json:"streamConnected"`
}

// NewPositionMessage flattens a derived state. It returns false while the bus position is unknown.
func NewPositionMessage(st models.DerivedPositionState) (PositionMessage, bool) {
	if st.Trip == nil || st.DisplayCoordinate == nil || st.LastFix == nil {
		return PositionMessage{}, false
	}
	return PositionMessage{
		VehicleNo:       st.Trip.StreamKey(),
		TripID:          st.Trip.ID,
		RouteType:       st.Trip.RouteType,
		Timestamp:       st.UpdatedAt,
		Phase:           st.Phase,
		Lat:             st.DisplayCoordinate.Latitude,
		Lon:             st.DisplayCoordinate.Longitude,
		RawLat:          st.LastFix.Coordinate.Latitude,
		RawLon:          st.LastFix.Coordinate.Longitude,
		Rotation:        st.RotationDegrees,
		SpeedKmh:        st.SpeedKmh,
		EtaMinutes:      st.EtaMinutes,
		Stopped:         st.Stopped,
		StreamConnected: st.StreamConnected,
	}, true
}

// PublishPosition publishes on <prefix>.<vehicleNo>.position
func (p *NATSPublisher) PublishPosition(msg PositionMessage) error {
	subject := fmt.Sprintf("%s.%s.position", p.prefix, subjectToken(msg.VehicleNo))
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PublishState publishes a derived state if it has a bus position
func (p *NATSPublisher) PublishState(st models.DerivedPositionState) {
	msg, ok := NewPositionMessage(st)
	if !ok {
		return
	}
	if err := p.PublishPosition(msg); err != nil {
		log.Printf("⚠️  NATS publish for %s failed: %v", msg.VehicleNo, err)
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
