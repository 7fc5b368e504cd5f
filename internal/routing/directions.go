// Package routing implements the distance oracle: a Google Maps Directions
// API client that converts two location strings into a one-way road distance
// and duration. The oracle's internal routing algorithm is opaque to the
// rest of the system; this package only owns the request shape, response
// parsing, and the mapping of provider statuses onto the application error
// taxonomy.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"routeready/internal/external"
	"routeready/internal/types"
)

// googleAPIBase is the default Google Maps API base URL.
// Overridable in tests via DirectionsConfig.BaseURL.
const googleAPIBase = "https://maps.googleapis.com"

// metersPerMile converts Directions API distance values (meters) to statute
// miles. The literal matches the factor used across the product.
const metersPerMile = 0.000621371

// DistanceOracle is the interface the travel handler depends on. Satisfied
// by DirectionsClient in production and by mocks in tests.
type DistanceOracle interface {
	// Route returns the one-way driving distance and duration between two
	// locations. Any non-OK provider status is returned as an error; the
	// caller must not charge usage in that case.
	Route(ctx context.Context, origin, destination string) (types.RouteDistance, error)
}

// DirectionsConfig holds the configuration for creating a DirectionsClient.
type DirectionsConfig struct {
	APIKey  types.SecretString
	BaseURL string // Override for testing; defaults to googleAPIBase
	Logger  *slog.Logger
}

// DirectionsClient implements DistanceOracle against the Google Maps
// Directions API through the shared resilience Client (circuit breaker,
// retries, error mapping).
type DirectionsClient struct {
	client  *external.Client
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewDirectionsClient creates a DirectionsClient. The httpClient timeout
// bounds each attempt; callers should set it to 20 seconds so a hung oracle
// call cannot hold a request open indefinitely.
func NewDirectionsClient(httpClient *http.Client, cfg DirectionsConfig) *DirectionsClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := external.NewClient(
		httpClient,
		"google-maps",
		external.RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"RouteReady/1.0",
	)

	return &DirectionsClient{
		client:  client,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewDirectionsClientWithBase creates a DirectionsClient with a caller-built
// external.Client. Used by tests to control retry and breaker behavior.
func NewDirectionsClientWithBase(client *external.Client, cfg DirectionsConfig) *DirectionsClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectionsClient{
		client:  client,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// directionsResponse mirrors the subset of the Directions API response the
// oracle consumes: routes[0].legs[0] distance and duration.
type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		Legs []struct {
			Distance struct {
				Value int64 `json:"value"` // meters
			} `json:"distance"`
			Duration struct {
				Value int64 `json:"value"` // seconds
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

// Route queries the Directions API for a driving route between origin and
// destination and returns the distance/duration of the first leg of the
// first route.
func (d *DirectionsClient) Route(ctx context.Context, origin, destination string) (types.RouteDistance, error) {
	params := url.Values{}
	params.Set("origin", strings.TrimSpace(origin))
	params.Set("destination", strings.TrimSpace(destination))
	params.Set("mode", "driving")
	params.Set("key", d.apiKey.Unmask())

	endpoint := d.baseURL + "/maps/api/directions/json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.RouteDistance{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build directions request",
			err,
		)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Client already mapped transport failures; re-tag as a maps
		// outage so the handler can message it precisely.
		return types.RouteDistance{}, types.NewAppError(
			types.ErrCodeUpstreamMaps,
			"directions service unavailable",
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.RouteDistance{}, types.NewAppError(
			types.ErrCodeUpstreamMaps,
			fmt.Sprintf("directions service returned HTTP %d", resp.StatusCode),
			nil,
		)
	}

	var body directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.RouteDistance{}, types.NewAppError(
			types.ErrCodeUpstreamMaps,
			"failed to decode directions response",
			err,
		)
	}

	if body.Status != "OK" {
		return types.RouteDistance{}, mapDirectionsStatus(body.Status, body.ErrorMessage)
	}

	if len(body.Routes) == 0 || len(body.Routes[0].Legs) == 0 {
		return types.RouteDistance{}, types.NewAppError(
			types.ErrCodeRouteNotFound,
			"directions response contained no route legs",
			nil,
		)
	}

	leg := body.Routes[0].Legs[0]
	return types.RouteDistance{
		DistanceMiles: float64(leg.Distance.Value) * metersPerMile,
		DurationHours: float64(leg.Duration.Value) / 3600.0,
	}, nil
}

// mapDirectionsStatus translates Directions API status codes into AppErrors.
// Statuses the user can correct (no route, unknown location) map to 422;
// provider-side problems map to 502. Usage is never charged for any of them.
func mapDirectionsStatus(status, message string) *types.AppError {
	if message == "" {
		message = "directions request failed"
	}
	details := map[string]any{"provider_status": status}

	switch status {
	case "ZERO_RESULTS":
		return types.NewAppErrorWithDetails(
			types.ErrCodeRouteNotFound,
			"no drivable route found between these locations",
			nil, details,
		)
	case "NOT_FOUND":
		return types.NewAppErrorWithDetails(
			types.ErrCodeRouteBadLocation,
			"one or both locations could not be found",
			nil, details,
		)
	case "INVALID_REQUEST":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidLocation,
			"directions request was malformed",
			nil, details,
		)
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamMapsQuota,
			"directions quota exceeded",
			nil, details,
		)
	case "REQUEST_DENIED":
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamMapsDenied,
			"directions request denied by provider",
			nil, details,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamMaps,
			message,
			nil, details,
		)
	}
}
