package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/location"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// GoogleLocatorConfig configures the Geolocation API client
type GoogleLocatorConfig struct {
	APIKey string
	// BaseURL overrides the API host, mainly for tests
	BaseURL string

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	// RequestsPerMinute caps billed API calls; 0 means 30
	RequestsPerMinute int
	Burst             int
}

// GoogleLocator is a network locator backed by the Google Geolocation API.
// It answers from its own last result while that is young enough.
type GoogleLocator struct {
	client  *maps.Client
	breaker *gobreaker.CircuitBreaker[*maps.GeolocationResult]
	limiter *rate.Limiter
	now     func() time.Time
	logger  *logx.Logger

	mu   sync.Mutex
	last *pkg.LocationSample
}

// NewGoogleLocator creates a Geolocation API locator
func NewGoogleLocator(cfg GoogleLocatorConfig, logger *logx.Logger) (*GoogleLocator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google geolocation api key is empty")
	}
	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google maps client: %w", err)
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}

	breaker := gobreaker.NewCircuitBreaker[*maps.GeolocationResult](gobreaker.Settings{
		Name:        "google_geolocation",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.LogStateChange(name, from.String(), to.String(), "breaker", nil)
		},
		IsExcluded: func(err error) bool {
			// A request we gave up on says nothing about the API.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &GoogleLocator{
		client:  client,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		now:     time.Now,
		logger:  logger,
	}, nil
}

// CurrentLocation implements NetworkLocator. An open circuit or an exhausted
// request budget is not an error, it yields no fix.
func (g *GoogleLocator) CurrentLocation(ctx context.Context, maxAge time.Duration) (*pkg.LocationSample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.last != nil && g.last.Age(now) <= maxAge {
		cached := *g.last
		g.logger.Debug("google_geolocation_cache_hit", "age_ms", cached.Age(now).Milliseconds())
		return &cached, nil
	}

	if !g.limiter.Allow() {
		g.logger.Debug("google_geolocation_rate_limited")
		return nil, nil
	}

	result, err := g.breaker.Execute(func() (*maps.GeolocationResult, error) {
		return g.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Debug("google_geolocation_circuit_open")
			return nil, nil
		}
		return nil, fmt.Errorf("google geolocation failed: %w", err)
	}
	if err := location.ValidateCoordinates(result.Location.Lat, result.Location.Lng); err != nil {
		return nil, fmt.Errorf("google geolocation returned %w", err)
	}

	sample := pkg.LocationSample{
		Latitude:       result.Location.Lat,
		Longitude:      result.Location.Lng,
		AccuracyMeters: float32(result.Accuracy),
		CapturedAtMs:   g.now().UnixMilli(),
		Source:         pkg.SourceNetwork,
	}
	g.last = &sample
	g.logger.LogVerbose("google_geolocation_fix", map[string]interface{}{
		"latitude":   sample.Latitude,
		"longitude":  sample.Longitude,
		"accuracy_m": sample.AccuracyMeters,
	})
	return &sample, nil
}

// BreakerState returns the circuit breaker state name
func (g *GoogleLocator) BreakerState() string {
	return g.breaker.State().String()
}
