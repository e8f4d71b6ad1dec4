package gps

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// NetworkProvider asks a network locator for at most one fix, accepting an
// answer the locator cached up to maxCachedAge ago.
type NetworkProvider struct {
	locator      NetworkLocator
	maxCachedAge time.Duration
	logger       *logx.Logger
}

// NewNetworkProvider wraps a network locator
func NewNetworkProvider(locator NetworkLocator, maxCachedAge time.Duration, logger *logx.Logger) *NetworkProvider {
	return &NetworkProvider{locator: locator, maxCachedAge: maxCachedAge, logger: logger}
}

// Source implements LocationProvider
func (p *NetworkProvider) Source() pkg.Source {
	return pkg.SourceNetwork
}

// Request implements LocationProvider
func (p *NetworkProvider) Request(ctx context.Context, deadline time.Duration) (*pkg.LocationSample, error) {
	sample := callBounded(ctx, deadline, p.logger, "network", func(ctx context.Context) (*pkg.LocationSample, error) {
		return p.locator.CurrentLocation(ctx, p.maxCachedAge)
	})
	if sample != nil {
		sample.Source = pkg.SourceNetwork
	}
	return sample, nil
}

// callBounded runs fn and gives up when the deadline or ctx ends, even if fn
// ignores its context. Errors from fn count as "no fix".
func callBounded(ctx context.Context, deadline time.Duration, logger *logx.Logger, name string,
	fn func(context.Context) (*pkg.LocationSample, error)) *pkg.LocationSample {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	type answer struct {
		sample *pkg.LocationSample
		err    error
	}
	answers := make(chan answer, 1)
	go func() {
		sample, err := fn(ctx)
		answers <- answer{sample: sample, err: err}
	}()

	select {
	case a := <-answers:
		if a.err != nil {
			logger.Debug("provider_request_failed", "provider", name, "error", a.err)
			return nil
		}
		if a.sample == nil {
			return nil
		}
		sample := *a.sample
		return &sample
	case <-ctx.Done():
		logger.Debug("provider_request_ended", "provider", name, "reason", ctx.Err())
		return nil
	}
}
