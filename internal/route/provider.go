package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/iliyamo/transit-seat-reservation/internal/geo"
)

// ErrProviderUnavailable means the routing provider failed or answered
// with a non-success status.  Snapping and ETA for the route are skipped
// until a later fetch succeeds.
var ErrProviderUnavailable = errors.New("route: routing provider unavailable")

// Provider returns the ordered polyline a vehicle drives from origin
// through waypoints to destination.
type Provider interface {
	Directions(ctx context.Context, origin geo.Point, waypoints []geo.Point, destination geo.Point) ([]geo.Point, error)
}

// DirectionsProvider talks to a Google Directions compatible endpoint and
// decodes the route's encoded overview polyline.
type DirectionsProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewDirectionsProvider returns a provider with a bounded HTTP timeout.
func NewDirectionsProvider(baseURL, apiKey string) *DirectionsProvider {
	return &DirectionsProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
	} `json:"routes"`
}

func latLng(p geo.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Directions requests a driving route.  Any transport failure, non-200
// response or status other than "OK" is reported as ErrProviderUnavailable.
func (p *DirectionsProvider) Directions(ctx context.Context, origin geo.Point, waypoints []geo.Point, destination geo.Point) ([]geo.Point, error) {
	q := url.Values{}
	q.Set("origin", latLng(origin))
	q.Set("destination", latLng(destination))
	q.Set("mode", "driving")
	if len(waypoints) > 0 {
		parts := make([]string, 0, len(waypoints))
		for _, w := range waypoints {
			parts = append(parts, latLng(w))
		}
		q.Set("waypoints", strings.Join(parts, "|"))
	}
	if p.APIKey != "" {
		q.Set("key", p.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrProviderUnavailable, resp.StatusCode)
	}
	var body directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProviderUnavailable, err)
	}
	if body.Status != "OK" || len(body.Routes) == 0 {
		return nil, fmt.Errorf("%w: status %s %s", ErrProviderUnavailable, body.Status, body.ErrorMessage)
	}

	coords, _, err := polyline.DecodeCoords([]byte(body.Routes[0].OverviewPolyline.Points))
	if err != nil {
		return nil, fmt.Errorf("%w: polyline: %v", ErrProviderUnavailable, err)
	}
	path := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		path = append(path, geo.Point{Lat: c[0], Lng: c[1]})
	}
	return path, nil
}

// StraightLineProvider joins origin, waypoints and destination with
// straight segments.  It is used when no directions endpoint is
// configured.
type StraightLineProvider struct{}

// Directions implements Provider.
func (StraightLineProvider) Directions(_ context.Context, origin geo.Point, waypoints []geo.Point, destination geo.Point) ([]geo.Point, error) {
	path := make([]geo.Point, 0, len(waypoints)+2)
	path = append(path, origin)
	path = append(path, waypoints...)
	return append(path, destination), nil
}
