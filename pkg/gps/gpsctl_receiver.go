package gps

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/location"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const gpsctlCommand = "gpsctl"

// GpsctlReceiver reads the on-board GNSS module through gpsctl on RUTOS
// routers and turns it into a continuous feed.
type GpsctlReceiver struct {
	run          CommandRunner
	pollInterval time.Duration
	cmdTimeout   time.Duration
	now          func() time.Time
	logger       *logx.Logger
}

// GpsctlOption customizes a GpsctlReceiver
type GpsctlOption func(*GpsctlReceiver)

// WithCommandRunner replaces the command runner
func WithCommandRunner(run CommandRunner) GpsctlOption {
	return func(r *GpsctlReceiver) { r.run = run }
}

// NewGpsctlReceiver creates a receiver polling every pollInterval
func NewGpsctlReceiver(pollInterval time.Duration, logger *logx.Logger, opts ...GpsctlOption) *GpsctlReceiver {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	r := &GpsctlReceiver{
		run:          ExecRunner,
		pollInterval: pollInterval,
		cmdTimeout:   5 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GPSEnabled reports whether gpsctl says the GNSS module is on
func (r *GpsctlReceiver) GPSEnabled(ctx context.Context) bool {
	enabled, err := r.status(ctx)
	if err != nil {
		r.logger.Debug("gpsctl_status_failed", "error", err)
		return false
	}
	return enabled
}

func (r *GpsctlReceiver) status(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cmdTimeout)
	defer cancel()

	out, err := r.run(ctx, gpsctlCommand, "-s")
	if err != nil {
		return false, fmt.Errorf("gpsctl status check failed: %w", err)
	}
	return strings.TrimSpace(string(out)) == "1", nil
}

func (r *GpsctlReceiver) value(ctx context.Context, flag string) (float64, error) {
	out, err := r.run(ctx, gpsctlCommand, flag)
	if err != nil {
		return 0, fmt.Errorf("gpsctl %s failed: %w", flag, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("gpsctl %s returned %q: %w", flag, strings.TrimSpace(string(out)), err)
	}
	return v, nil
}

// readFix returns the current fix, or nil when the module has none yet
func (r *GpsctlReceiver) readFix(ctx context.Context) (*pkg.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cmdTimeout)
	defer cancel()

	lat, err := r.value(ctx, "-i")
	if err != nil {
		return nil, err
	}
	lon, err := r.value(ctx, "-x")
	if err != nil {
		return nil, err
	}
	acc, err := r.value(ctx, "-u")
	if err != nil {
		return nil, err
	}

	// gpsctl reports 0,0 until the module has a fix
	if lat == 0 && lon == 0 {
		return nil, nil
	}
	if err := location.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if math.IsNaN(acc) || math.IsInf(acc, 0) || acc < 0 {
		return nil, fmt.Errorf("invalid gpsctl accuracy %v", acc)
	}
	return &pkg.LocationSample{
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: float32(acc),
		CapturedAtMs:   r.now().UnixMilli(),
		Source:         pkg.SourceGPS,
	}, nil
}

// Subscribe starts polling gpsctl for l. The listener is called from the
// polling goroutine only.
func (r *GpsctlReceiver) Subscribe(l GNSSListener) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &gpsctlSubscription{cancel: cancel, done: make(chan struct{})}
	go r.poll(ctx, l, sub.done)
	return sub, nil
}

func (r *GpsctlReceiver) poll(ctx context.Context, l GNSSListener, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	// Subscribers are expected to have checked GPSEnabled first.
	wasEnabled := true
	for {
		enabled, err := r.status(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			r.logger.Debug("gpsctl_poll_failed", "error", err)
		case !enabled:
			if wasEnabled && l.OnDisabled != nil {
				r.logger.Info("gpsctl_gnss_disabled")
				l.OnDisabled()
			}
			wasEnabled = false
		default:
			wasEnabled = true
			fix, err := r.readFix(ctx)
			if err != nil {
				r.logger.Debug("gpsctl_read_failed", "error", err)
			} else if fix != nil && l.OnFix != nil && ctx.Err() == nil {
				l.OnFix(*fix)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type gpsctlSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the poller and waits for it to exit
func (s *gpsctlSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
