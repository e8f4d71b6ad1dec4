package gps

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
)

// LocationProvider requests a single fix from one source.
//
// Request returns (nil, nil) when the source has nothing to offer within the
// deadline: timeouts, missing permission and "no fix available" are not errors.
// A deadline <= 0 means no bound other than ctx.
type LocationProvider interface {
	Source() pkg.Source
	Request(ctx context.Context, deadline time.Duration) (*pkg.LocationSample, error)
}

// PermissionOracle reports whether location access has been granted
type PermissionOracle interface {
	HasLocationPermission(ctx context.Context) bool
}

// GPSStatusOracle reports whether the GPS provider is switched on
type GPSStatusOracle interface {
	GPSEnabled(ctx context.Context) bool
}

// GNSSListener receives events from a continuous GNSS feed. Either callback
// may be invoked many times and from any goroutine.
type GNSSListener struct {
	OnFix      func(pkg.LocationSample)
	OnDisabled func()
}

// Subscription is a registered listener. Close unregisters it and must be
// safe to call more than once.
type Subscription interface {
	Close() error
}

// GNSSReceiver is a hardware GNSS feed
type GNSSReceiver interface {
	GPSStatusOracle
	Subscribe(listener GNSSListener) (Subscription, error)
}

// NetworkLocator answers a single network-assisted location request. It may
// answer from its own cache when the cached fix is at most maxAge old.
type NetworkLocator interface {
	CurrentLocation(ctx context.Context, maxAge time.Duration) (*pkg.LocationSample, error)
}

// LastKnownLocator returns the platform's best cached fix, or nil when it has none
type LastKnownLocator interface {
	LastLocation(ctx context.Context) (*pkg.LocationSample, error)
}

// FixAcquirer produces the winning fix of one acquisition round
type FixAcquirer interface {
	Acquire(ctx context.Context) (*pkg.LocationSample, error)
}

// FixRecorder is told about every fix a provider produced
type FixRecorder interface {
	Record(sample pkg.LocationSample) error
}

// ProviderObserver is told how each provider request ended
type ProviderObserver interface {
	ObserveProvider(source pkg.Source, outcome string, latency time.Duration)
}

// ResultObserver is told about every terminal acquisition result
type ResultObserver interface {
	ObserveResult(ctx context.Context, result *pkg.AcquisitionResult, duration time.Duration)
}
