package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"schoolbus-tracker/internal/geo"
	"schoolbus-tracker/internal/models"
)

const DefaultBaseURL = "https://maps.googleapis.com"

var (
	// ErrProviderStatus is returned when the directions API answers with a status other than "OK"
	ErrProviderStatus = errors.New("directions provider returned non-OK status")
	// ErrNoRoute is returned when the provider answers OK but without a usable route
	ErrNoRoute = errors.New("directions provider returned no route")
)

// Route is the working route geometry for one origin/destination pair
type Route struct {
	Path            models.RoutePath
	DurationMinutes *int
}

// Fetcher is anything that can produce a driving route between two points
type Fetcher interface {
	FetchRoute(ctx context.Context, origin, destination models.Coordinate) (*Route, error)
}

// GoogleDirectionsResponse is the subset of the Directions API response we read
type GoogleDirectionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Routes       []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Duration struct {
				Value float64 `json:"value"` // seconds
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

// Client calls the Google Directions API
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a directions client. The timeout bounds every FetchRoute call.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if apiKey == "" {
		log.Printf("⚠️  GOOGLE_MAPS_API_KEY not set - directions requests will be rejected by the provider")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchRoute issues exactly one directions request and decodes the overview polyline.
// There are no retries; the next vehicle fix triggers a fresh call.
func (c *Client) FetchRoute(ctx context.Context, origin, destination models.Coordinate) (*Route, error) {
	params := url.Values{}
	params.Add("origin", origin.String())
	params.Add("destination", destination.String())
	params.Add("key", c.apiKey)

	fullURL := fmt.Sprintf("%s/maps/api/directions/json?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directions request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("directions API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result GoogleDirectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode directions response: %w", err)
	}

	if result.Status != "OK" {
		return nil, fmt.Errorf("%w: %s %s", ErrProviderStatus, result.Status, result.ErrorMessage)
	}
	if len(result.Routes) == 0 || result.Routes[0].OverviewPolyline.Points == "" {
		return nil, ErrNoRoute
	}

	first := result.Routes[0]
	path, err := geo.Decode(first.OverviewPolyline.Points)
	if err != nil {
		return nil, fmt.Errorf("failed to decode route geometry: %w", err)
	}

	route := &Route{Path: path}
	if len(first.Legs) > 0 {
		minutes := int(math.Round(first.Legs[0].Duration.Value / 60))
		route.DurationMinutes = &minutes
	}

	return route, nil
}
