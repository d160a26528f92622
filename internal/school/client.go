package school

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"schoolbus-tracker/internal/models"
)

const DefaultBaseURL = "https://stage.tsis.edu.in/api"

var (
	// ErrNoActiveRoute means the child has no trip running right now. It is the normal
	// empty state, not a failure.
	ErrNoActiveRoute = errors.New("no active route for child")
	// ErrUnauthorized is returned when the school backend rejects the parent's token
	ErrUnauthorized = errors.New("school backend rejected credentials")
)

type coordinatePayload struct {
	Latitude  models.FlexFloat `json:"latitude"`
	Longitude models.FlexFloat `json:"longitude"`
}

func (c *coordinatePayload) coordinate() (models.Coordinate, bool) {
	if c == nil || c.Latitude == 0 || c.Longitude == 0 {
		return models.Coordinate{}, false
	}
	return models.Coordinate{Latitude: c.Latitude.Float64(), Longitude: c.Longitude.Float64()}, true
}

type stopPayload struct {
	coordinatePayload
	StopTitle string `json:"stop_title"`
	Area      string `json:"area"`
}

func (s *stopPayload) stop() (models.Stop, bool) {
	if s == nil {
		return models.Stop{}, false
	}
	c, ok := s.coordinatePayload.coordinate()
	if !ok {
		return models.Stop{}, false
	}
	return models.Stop{Coordinate: c, Title: s.StopTitle, Area: s.Area}, true
}

// CurrentRouteResponse is the body of GET /student/current-route/{admission}
type CurrentRouteResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message,omitempty"`
	RouteType string `json:"route_type"`
	RouteData *struct {
		StartPoint *coordinatePayload `json:"start_point"`
	} `json:"route_data"`
	PointData     *stopPayload  `json:"point_data"`
	FullRouteData []stopPayload `json:"full_route_data"`
	Vehicle       *struct {
		RegisterNumber string `json:"register_number"`
		VehicleTag     string `json:"vehicle_tag"`
	} `json:"vehicle"`
}

// Client talks to the school backend on behalf of a signed-in parent
type Client struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

// NewClient creates a school backend client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		validate:   validator.New(),
	}
}

// CurrentTrip loads the trip currently running for a child. It returns ErrNoActiveRoute
// when the backend reports no route, and an error for transport or payload failures.
func (c *Client) CurrentTrip(ctx context.Context, token string, admission int) (*models.Trip, error) {
	url := fmt.Sprintf("%s/student/current-route/%d", c.baseURL, admission)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("current route request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoActiveRoute
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("school API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload CurrentRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode current route: %w", err)
	}

	trip, err := c.toTrip(admission, &payload)
	if err != nil {
		return nil, err
	}

	log.Printf("🚌 Loaded %s trip for admission %d (vehicle %q, %d stops)",
		trip.RouteType, admission, trip.StreamKey(), len(trip.Stops))
	return trip, nil
}

// toTrip maps the payload onto a validated Trip. Coordinates that are missing or zero
// are treated as absent rather than as (0, 0).
func (c *Client) toTrip(admission int, payload *CurrentRouteResponse) (*models.Trip, error) {
	if !payload.Status || payload.RouteData == nil {
		return nil, ErrNoActiveRoute
	}

	trip := &models.Trip{
		ID:          uuid.NewString(),
		AdmissionID: admission,
		RouteType:   models.RouteType(strings.ToLower(strings.TrimSpace(payload.RouteType))),
	}

	if start, ok := payload.RouteData.StartPoint.coordinate(); ok {
		trip.StartPoint = &start
	}
	if dest, ok := payload.PointData.stop(); ok {
		trip.Destination = &dest
	}
	for i := range payload.FullRouteData {
		if stop, ok := payload.FullRouteData[i].stop(); ok {
			trip.Stops = append(trip.Stops, stop)
		}
	}
	if payload.Vehicle != nil && payload.Vehicle.RegisterNumber != "" {
		trip.Vehicle = &models.Vehicle{
			RegisterNumber: payload.Vehicle.RegisterNumber,
			Tag:            payload.Vehicle.VehicleTag,
		}
	}

	if err := c.validate.Struct(trip); err != nil {
		return nil, fmt.Errorf("invalid current route payload: %w", err)
	}
	return trip, nil
}
