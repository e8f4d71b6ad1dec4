package gps

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// FusedProvider returns the platform's best last known fix. It applies no
// timeout of its own.
type FusedProvider struct {
	locator LastKnownLocator
	logger  *logx.Logger
}

// NewFusedProvider wraps a last-known locator
func NewFusedProvider(locator LastKnownLocator, logger *logx.Logger) *FusedProvider {
	return &FusedProvider{locator: locator, logger: logger}
}

// Source implements LocationProvider
func (p *FusedProvider) Source() pkg.Source {
	return pkg.SourceFused
}

// Request implements LocationProvider. The deadline is ignored.
func (p *FusedProvider) Request(ctx context.Context, _ time.Duration) (*pkg.LocationSample, error) {
	sample := callBounded(ctx, 0, p.logger, "fused", p.locator.LastLocation)
	if sample != nil {
		sample.Source = pkg.SourceFused
	}
	return sample, nil
}
