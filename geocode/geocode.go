// Package geocode resolves place names to coordinates.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// DefaultNominatimURL is the public OpenStreetMap Nominatim instance.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// ErrUnresolvedLocation is returned when a name matches no place.
var ErrUnresolvedLocation = errors.New("location could not be resolved")

// Result is a resolved place.
type Result struct {
	Name        string // Name as given by the caller
	DisplayName string
	Lat         float64
	Lon         float64
}

// Geocoder resolves place names. Implementations may block on the network.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (Result, error)
}

// Nominatim queries a Nominatim search endpoint. Requests are limited to one
// per second, the public instance's usage policy.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewNominatim creates a client for baseURL. Empty arguments take defaults.
func NewNominatim(baseURL, userAgent string, timeout time.Duration, logger *slog.Logger) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	if userAgent == "" {
		userAgent = "quake_bot"
	}
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		logger:     logger,
	}
}

// WithLimit replaces the request rate limit.
func (n *Nominatim) WithLimit(l *rate.Limiter) *Nominatim {
	n.limiter = l
	return n
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the best match for name.
func (n *Nominatim) Geocode(ctx context.Context, name string) (Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, fmt.Errorf("%w: empty name", ErrUnresolvedLocation)
	}

	params := url.Values{
		"q":      {name},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	u := n.baseURL + "/search?" + params.Encode()

	var results []searchResult
	err := retry.Do(
		func() error {
			if err := n.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("wait for rate limit: %w", err))
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", n.userAgent)
			req.Header.Set("Accept", "application/json")

			resp, err := n.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("geocode request: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					n.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				statusErr := fmt.Errorf("nominatim API error: status %d: %s", resp.StatusCode, body)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Info("Retrying geocode after error", "name", name, "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		return Result{}, err
	}

	if len(results) == 0 {
		return Result{}, fmt.Errorf("%w: %q", ErrUnresolvedLocation, name)
	}
	lat, latErr := strconv.ParseFloat(results[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(results[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return Result{}, fmt.Errorf("nominatim returned bad coordinates %q,%q for %q", results[0].Lat, results[0].Lon, name)
	}

	n.logger.Debug("Location geocoded", "name", name, "display_name", results[0].DisplayName, "lat", lat, "lon", lon)
	return Result{Name: name, DisplayName: results[0].DisplayName, Lat: lat, Lon: lon}, nil
}
