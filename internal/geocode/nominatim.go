// Package geocode resolves free-text addresses to coordinates and
// coordinates to a locality using a Nominatim server. Every failure
// degrades to "unknown": callers never block job creation on it.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/observability"
)

const DefaultEndpoint = "https://nominatim.openstreetmap.org"

// ErrNoMatch is returned by Search when the server knows no such address.
var ErrNoMatch = errors.New("address not found")

// Locality is the reverse-geocoded place name. Either part may be empty.
type Locality struct {
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

type Options struct {
	Endpoint string
	// CountryCodes biases forward search, e.g. "my".
	CountryCodes string
	UserAgent    string
	// RequestsPerSecond throttles outgoing calls. The public server allows 1.
	RequestsPerSecond float64
	CacheTTL          time.Duration
	Timeout           time.Duration
	Logger            *slog.Logger
}

type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

type cached struct {
	coord    models.Coord
	locality Locality
	err      error
	at       time.Time
}

func New(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	if opts.UserAgent == "" {
		opts.UserAgent = "waste-pickup/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:  logger,
		cache:   make(map[string]cached),
		now:     time.Now,
	}
}

// Search returns the best match for a free-text address.
func (c *Client) Search(ctx context.Context, address string) (models.Coord, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Coord{}, ErrNoMatch
	}
	key := "search:" + strings.ToLower(address)
	v, err := c.lookup(ctx, "search", key, func(ctx context.Context) (cached, error) {
		q := url.Values{"format": {"json"}, "q": {address}, "limit": {"1"}}
		if c.opts.CountryCodes != "" {
			q.Set("countrycodes", c.opts.CountryCodes)
		}
		var out []struct {
			Lat string `json:"lat"`
			Lon string `json:"lon"`
		}
		if err := c.get(ctx, "/search", q, &out); err != nil {
			return cached{}, err
		}
		if len(out) == 0 {
			// Cache the miss too; the address will not start existing.
			return cached{err: ErrNoMatch}, nil
		}
		lat, err1 := strconv.ParseFloat(out[0].Lat, 64)
		lon, err2 := strconv.ParseFloat(out[0].Lon, 64)
		if err := errors.Join(err1, err2); err != nil {
			return cached{}, fmt.Errorf("parsing coordinates: %w", err)
		}
		return cached{coord: models.Coord{Lat: lat, Lon: lon}}, nil
	})
	if err != nil {
		return models.Coord{}, err
	}
	return v.coord, v.err
}

// Reverse names the locality around c.
func (c *Client) Reverse(ctx context.Context, p models.Coord) (Locality, error) {
	key := fmt.Sprintf("reverse:%.4f,%.4f", p.Lat, p.Lon)
	v, err := c.lookup(ctx, "reverse", key, func(ctx context.Context) (cached, error) {
		q := url.Values{
			"format":         {"json"},
			"lat":            {strconv.FormatFloat(p.Lat, 'f', -1, 64)},
			"lon":            {strconv.FormatFloat(p.Lon, 'f', -1, 64)},
			"addressdetails": {"1"},
		}
		var out struct {
			Address map[string]string `json:"address"`
		}
		if err := c.get(ctx, "/reverse", q, &out); err != nil {
			return cached{}, err
		}
		return cached{locality: localityOf(out.Address)}, nil
	})
	if err != nil {
		return Locality{}, err
	}
	return v.locality, v.err
}

func localityOf(addr map[string]string) Locality {
	return Locality{
		City:  first(addr, "city", "town", "village", "municipality", "county", "state_district"),
		State: first(addr, "state", "region"),
	}
}

func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// lookup serves from cache, collapses concurrent identical requests and
// caches successful answers. Transport errors are not cached.
func (c *Client) lookup(ctx context.Context, kind, key string, fetch func(context.Context) (cached, error)) (cached, error) {
	c.mu.Lock()
	if v, ok := c.cache[key]; ok && c.now().Sub(v.at) < c.opts.CacheTTL {
		c.mu.Unlock()
		observability.GeocodeRequests.WithLabelValues(kind, "cache_hit").Inc()
		return v, nil
	}
	c.mu.Unlock()

	// The shared call outlives any single caller; each caller stops waiting
	// on its own context.
	ch := c.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		if err := c.limiter.Wait(shared); err != nil {
			return cached{}, err
		}
		v, err := fetch(shared)
		if err != nil {
			return cached{}, err
		}
		v.at = c.now()
		c.mu.Lock()
		c.cache[key] = v
		c.mu.Unlock()
		return v, nil
	})
	var res any
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-ch:
		res, err = r.Val, r.Err
	}
	if err != nil {
		observability.GeocodeRequests.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("geocoder lookup failed", "kind", kind, "error", err)
		return cached{}, err
	}
	observability.GeocodeRequests.WithLabelValues(kind, "ok").Inc()
	return res.(cached), nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.Endpoint+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("nominatim %s: %w", path, err)
	}
	return nil
}
