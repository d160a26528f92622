package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"schoolbus-tracker/internal/models"
)

// ErrNoCredentials is returned when neither credential source is configured
var ErrNoCredentials = errors.New("no firebase credentials configured")

// Sender delivers a push message. *messaging.Client implements it.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenStore persists device tokens across restarts
type TokenStore interface {
	SaveDeviceToken(ctx context.Context, userID, token string) error
	LoadDeviceToken(ctx context.Context, userID string) (string, bool, error)
}

// AlertMetrics counts alert outcomes
type AlertMetrics interface {
	AlertSent(err error)
}

// NewFCMClient creates a messaging client from base64-encoded credentials (for cloud
// deployments where files can't be uploaded easily) or from a credentials file
func NewFCMClient(ctx context.Context, credentialsBase64, credentialsFile string) (*messaging.Client, error) {
	var opt option.ClientOption
	switch {
	case credentialsBase64 != "":
		credentialsJSON, err := base64.StdEncoding.DecodeString(credentialsBase64)
		if err != nil {
			return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(credentialsJSON)
	case credentialsFile != "":
		opt = option.WithCredentialsFile(credentialsFile)
	default:
		return nil, ErrNoCredentials
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return client, nil
}

// ArrivalNotifier pushes one "bus is almost here" alert per trip, the first time the
// tracked ETA drops to the threshold
type ArrivalNotifier struct {
	sender           Sender
	thresholdMinutes int
	store            TokenStore
	metrics          AlertMetrics
	sendTimeout      time.Duration

	tokens  map[string]string // Key: user ID
	alerted map[string]string // Key: user ID, value: trip ID already alerted
	mutex   sync.Mutex
	wg      sync.WaitGroup
}

// NewArrivalNotifier creates a notifier. A threshold of 0 disables alerts.
// store and metrics may be nil.
func NewArrivalNotifier(sender Sender, thresholdMinutes int, store TokenStore, metrics AlertMetrics) *ArrivalNotifier {
	return &ArrivalNotifier{
		sender:           sender,
		thresholdMinutes: thresholdMinutes,
		store:            store,
		metrics:          metrics,
		sendTimeout:      10 * time.Second,
		tokens:           make(map[string]string),
		alerted:          make(map[string]string),
	}
}

// RegisterToken records the device a parent wants alerts on
func (n *ArrivalNotifier) RegisterToken(ctx context.Context, userID, token string) error {
	n.mutex.Lock()
	n.tokens[userID] = token
	n.mutex.Unlock()

	if n.store != nil {
		if err := n.store.SaveDeviceToken(ctx, userID, token); err != nil {
			return err
		}
	}
	log.Printf("📱 Registered device token for user %s", userID)
	return nil
}

// Forget drops in-memory state for a parent who signed out
func (n *ArrivalNotifier) Forget(userID string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	delete(n.tokens, userID)
	delete(n.alerted, userID)
}

// Observe inspects a state change and sends the arrival alert when due. Sending happens
// in the background so the session loop is never blocked on FCM.
func (n *ArrivalNotifier) Observe(userID string, st models.DerivedPositionState) {
	if n.sender == nil || n.thresholdMinutes <= 0 {
		return
	}
	if st.Phase != models.PhaseTracking || st.EtaMinutes == nil || st.Trip == nil {
		return
	}
	eta := *st.EtaMinutes
	if eta > n.thresholdMinutes {
		return
	}

	n.mutex.Lock()
	if n.alerted[userID] == st.Trip.ID {
		n.mutex.Unlock()
		return
	}
	n.alerted[userID] = st.Trip.ID
	token := n.tokens[userID]
	n.mutex.Unlock()

	trip := st.Trip
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
		defer cancel()

		if token == "" && n.store != nil {
			stored, ok, err := n.store.LoadDeviceToken(ctx, userID)
			if err != nil {
				log.Printf("⚠️  Failed to load device token for user %s: %v", userID, err)
			}
			if ok {
				token = stored
			}
		}
		if token == "" {
			log.Printf("📭 No device token for user %s - arrival alert deferred until one is registered", userID)
			n.mutex.Lock()
			if n.alerted[userID] == trip.ID {
				delete(n.alerted, userID)
			}
			n.mutex.Unlock()
			return
		}

		err := n.send(ctx, token, trip, eta)
		if n.metrics != nil {
			n.metrics.AlertSent(err)
		}
		if err != nil {
			log.Printf("❌ Arrival alert for user %s failed: %v", userID, err)
		}
	}()
}

// Wait blocks until in-flight alerts have been sent
func (n *ArrivalNotifier) Wait() {
	n.wg.Wait()
}

func (n *ArrivalNotifier) send(ctx context.Context, token string, trip *models.Trip, eta int) error {
	title := "Bus arriving soon"
	body := fmt.Sprintf("The bus will reach school in about %d min.", eta)
	if trip.RouteType == models.RouteTypeDrop && trip.Destination != nil {
		stop := trip.Destination.Title
		if stop == "" {
			stop = "your stop"
		}
		body = fmt.Sprintf("The bus will reach %s in about %d min.", stop, eta)
	}
	if eta == 0 {
		body = "The bus is arriving now."
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"type":        "bus_arriving",
			"trip_id":     trip.ID,
			"admission":   strconv.Itoa(trip.AdmissionID),
			"eta_minutes": strconv.Itoa(eta),
			"route_type":  string(trip.RouteType),
			"vehicle_no":  trip.StreamKey(),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}

	response, err := n.sender.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending FCM message: %w", err)
	}

	log.Printf("✅ FCM arrival alert sent successfully: %s", response)
	return nil
}
