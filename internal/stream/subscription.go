package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"schoolbus-tracker/internal/models"
)

const DefaultURL = "wss://geo-tracking.sunshinecollege.ac.in/ws/vehicles/"

const (
	// Time allowed to read the next frame or ping before the connection is considered dead
	readWait = 90 * time.Second

	// Time allowed to write a control message to the feed
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the feed (initial_data carries the whole fleet)
	maxMessageSize = 1 << 20

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// ErrEmptyVehicleKey is returned when subscribing without a vehicle identifier
var ErrEmptyVehicleKey = errors.New("vehicle key is empty")

// Dialer opens vehicle subscriptions against one feed URL
type Dialer struct {
	baseURL    string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewDialer creates a dialer for the feed at baseURL
func NewDialer(baseURL string) *Dialer {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Dialer{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Subscription streams fixes for one vehicle, reconnecting with backoff until closed.
// Reconnects reuse the same vehicle key, so they never duplicate or widen the feed.
type Subscription struct {
	vehicleKey string
	url        string
	dialer     *Dialer

	fixes  chan models.VehicleFix
	status chan bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// Subscribe starts a subscription for vehicleKey. Connection happens in the background;
// watch Status for connectivity.
func (d *Dialer) Subscribe(ctx context.Context, vehicleKey string) (*Subscription, error) {
	if vehicleKey == "" {
		return nil, ErrEmptyVehicleKey
	}

	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL %q: %w", d.baseURL, err)
	}
	q := u.Query()
	q.Set("vehicle_nos", vehicleKey)
	u.RawQuery = q.Encode()

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		vehicleKey: vehicleKey,
		url:        u.String(),
		dialer:     d,
		fixes:      make(chan models.VehicleFix, 64),
		status:     make(chan bool, 8),
		ctx:        subCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// Fixes delivers fixes in the order the feed sent them. Closed when the subscription ends.
func (s *Subscription) Fixes() <-chan models.VehicleFix {
	return s.fixes
}

// Status reports connectivity changes: true on connect, false on disconnect
func (s *Subscription) Status() <-chan bool {
	return s.status
}

// VehicleKey returns the vehicle this subscription is filtered to
func (s *Subscription) VehicleKey() string {
	return s.vehicleKey
}

// Close ends the subscription and waits for the connection to shut down
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.fixes)
	defer close(s.status)

	// initial_data is honoured once per subscription, not once per connection
	dec := &decoder{vehicleKey: s.vehicleKey}
	backoff := s.dialer.minBackoff

	for {
		conn, _, err := s.dialer.dialer.DialContext(s.ctx, s.url, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("⚠️  Vehicle stream %s: connect failed: %v (retrying in %v)", s.vehicleKey, err, backoff)
		} else {
			log.Printf("🔌 Vehicle stream %s connected", s.vehicleKey)
			backoff = s.dialer.minBackoff
			s.setStatus(true)

			err = s.readLoop(conn, dec)

			s.setStatus(false)
			if s.ctx.Err() != nil {
				log.Printf("🔌 Vehicle stream %s closed", s.vehicleKey)
				return
			}
			log.Printf("⚠️  Vehicle stream %s disconnected: %v (reconnecting in %v)", s.vehicleKey, err, backoff)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.dialer.maxBackoff {
			backoff = s.dialer.maxBackoff
		}
	}
}

func (s *Subscription) readLoop(conn *websocket.Conn, dec *decoder) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		fix, ok, err := dec.decode(raw, time.Now())
		if err != nil {
			log.Printf("⚠️  Vehicle stream %s: %v", s.vehicleKey, err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.fixes <- fix:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// setStatus never blocks the reader; when the consumer lags, the oldest
// pending status is dropped in favour of the newest
func (s *Subscription) setStatus(connected bool) {
	for {
		select {
		case s.status <- connected:
			return
		default:
		}
		select {
		case <-s.status:
		default:
		}
	}
}
