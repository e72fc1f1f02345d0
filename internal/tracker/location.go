package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/showfolio/analytics/internal/event"
)

const locationKey = "userLocation"

// LocationFetcher asks an external collaborator for the caller's location.
type LocationFetcher interface {
	Fetch(ctx context.Context) (event.Location, error)
}

// HTTPLocationFetcher calls the API's GET /loc endpoint.
type HTTPLocationFetcher struct {
	url    string
	client *http.Client
}

var _ LocationFetcher = (*HTTPLocationFetcher)(nil)

func NewHTTPLocationFetcher(endpoint string) *HTTPLocationFetcher {
	return &HTTPLocationFetcher{
		url:    strings.TrimRight(endpoint, "/") + LocationPath,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *HTTPLocationFetcher) Fetch(ctx context.Context) (event.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return event.Location{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return event.Location{}, fmt.Errorf("fetch location: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return event.Location{}, fmt.Errorf("fetch location: status %d", resp.StatusCode)
	}

	var loc event.Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return event.Location{}, fmt.Errorf("decode location: %w", err)
	}
	return loc, nil
}

// LocationResolver resolves the visitor's location once per browser. A
// successful lookup is cached in browser-scoped storage; the Unknown
// fallback is returned but never cached.
type LocationResolver struct {
	storage Storage
	fetcher LocationFetcher
	log     zerolog.Logger
	group   singleflight.Group
}

func NewLocationResolver(browser Storage, fetcher LocationFetcher, logger zerolog.Logger) *LocationResolver {
	return &LocationResolver{
		storage: browser,
		fetcher: fetcher,
		log:     logger,
	}
}

// Resolve returns the cached location, or fetches it. Concurrent callers
// share a single fetch.
func (r *LocationResolver) Resolve(ctx context.Context) event.Location {
	if loc, ok := r.cached(); ok {
		return loc
	}

	v, _, _ := r.group.Do(locationKey, func() (interface{}, error) {
		if loc, ok := r.cached(); ok {
			return loc, nil
		}

		loc, err := r.fetcher.Fetch(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("Location lookup failed, using Unknown")
			return event.UnknownLocation(), nil
		}
		loc = loc.Normalize()

		data, err := json.Marshal(loc)
		if err == nil {
			err = r.storage.Set(locationKey, string(data))
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to cache location")
		}
		return loc, nil
	})
	return v.(event.Location)
}

func (r *LocationResolver) cached() (event.Location, bool) {
	raw, ok := r.storage.Get(locationKey)
	if !ok || raw == "" {
		return event.Location{}, false
	}
	var loc event.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return event.Location{}, false
	}
	return loc, true
}
