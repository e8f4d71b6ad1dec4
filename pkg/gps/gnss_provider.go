package gps

import (
	"context"
	"sync"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// GNSSProvider resolves on the first fix of a continuous hardware feed
type GNSSProvider struct {
	receiver GNSSReceiver
	logger   *logx.Logger
}

type gnssEvent struct {
	sample   *pkg.LocationSample
	disabled bool
}

// NewGNSSProvider wraps a GNSS receiver
func NewGNSSProvider(receiver GNSSReceiver, logger *logx.Logger) *GNSSProvider {
	return &GNSSProvider{receiver: receiver, logger: logger}
}

// Source implements LocationProvider
func (p *GNSSProvider) Source() pkg.Source {
	return pkg.SourceGPS
}

// Request subscribes to the feed and waits for the first fix. It returns
// ErrProviderDisabled if the receiver reports that GPS was switched off
// before a fix arrived.
func (p *GNSSProvider) Request(ctx context.Context, deadline time.Duration) (*pkg.LocationSample, error) {
	if !p.receiver.GPSEnabled(ctx) {
		p.logger.Debug("gnss_request_skipped", "reason", "gps_disabled")
		return nil, nil
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	first := NewOneShot[gnssEvent]()
	sub, err := p.receiver.Subscribe(GNSSListener{
		OnFix: func(sample pkg.LocationSample) {
			sample.Source = pkg.SourceGPS
			first.Resolve(gnssEvent{sample: &sample})
		},
		OnDisabled: func() {
			first.Resolve(gnssEvent{disabled: true})
		},
	})
	if err != nil {
		p.logger.Debug("gnss_subscribe_failed", "error", err)
		return nil, nil
	}
	release := releaseOnce(sub, p.logger)
	defer release()

	select {
	case <-first.Done():
		event, _ := first.Value()
		if event.disabled {
			p.logger.Warn("gps_disabled_mid_flight")
			return nil, ErrProviderDisabled
		}
		return event.sample, nil
	case <-ctx.Done():
		p.logger.Debug("gnss_request_ended", "reason", ctx.Err())
		return nil, nil
	}
}

// releaseOnce returns a func that closes sub exactly once
func releaseOnce(sub Subscription, logger *logx.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				logger.Warn("subscription_release_failed", "error", err)
			}
		})
	}
}
