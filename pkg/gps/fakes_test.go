package gps

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
)

// fakeProvider resolves after delay unless its context ends first, in
// which case it records that it was stopped
type fakeProvider struct {
	source pkg.Source
	delay  time.Duration
	sample *pkg.LocationSample
	err    error

	calls     atomic.Int32
	cancelled atomic.Bool
}

func (p *fakeProvider) Source() pkg.Source { return p.source }

func (p *fakeProvider) Request(ctx context.Context, deadline time.Duration) (*pkg.LocationSample, error) {
	p.calls.Add(1)
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	select {
	case <-time.After(p.delay):
		if p.sample == nil {
			return nil, p.err
		}
		s := *p.sample
		return &s, p.err
	case <-ctx.Done():
		p.cancelled.Store(true)
		return nil, nil
	}
}

// never is longer than any budget used in tests
const never = time.Hour

func fixProvider(source pkg.Source, delay time.Duration, sample pkg.LocationSample) *fakeProvider {
	sample.Source = source
	return &fakeProvider{source: source, delay: delay, sample: &sample}
}

func emptyProvider(source pkg.Source, delay time.Duration) *fakeProvider {
	return &fakeProvider{source: source, delay: delay}
}

func sampleAt(lat, lon float64, accuracy float32, capturedAt time.Time) pkg.LocationSample {
	return pkg.LocationSample{
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: accuracy,
		CapturedAtMs:   capturedAt.UnixMilli(),
	}
}

// fakeReceiver is a scripted GNSS feed. script runs in its own goroutine
// after every Subscribe.
type fakeReceiver struct {
	enabled   atomic.Bool
	subErr    error
	script    func(l GNSSListener)
	subscribe atomic.Int32
	closed    atomic.Int32
}

func newFakeReceiver(enabled bool, script func(l GNSSListener)) *fakeReceiver {
	r := &fakeReceiver{script: script}
	r.enabled.Store(enabled)
	return r
}

func (r *fakeReceiver) GPSEnabled(ctx context.Context) bool { return r.enabled.Load() }

func (r *fakeReceiver) Subscribe(l GNSSListener) (Subscription, error) {
	if r.subErr != nil {
		return nil, r.subErr
	}
	r.subscribe.Add(1)
	if r.script != nil {
		go r.script(l)
	}
	return fakeSubscription{r: r}, nil
}

type fakeSubscription struct{ r *fakeReceiver }

func (s fakeSubscription) Close() error {
	s.r.closed.Add(1)
	return nil
}

type fakeNetworkLocator struct {
	delay  time.Duration
	sample *pkg.LocationSample
	err    error

	mu     sync.Mutex
	maxAge time.Duration
}

func (l *fakeNetworkLocator) CurrentLocation(ctx context.Context, maxAge time.Duration) (*pkg.LocationSample, error) {
	l.mu.Lock()
	l.maxAge = maxAge
	l.mu.Unlock()
	// Ignores ctx like a blocking platform call would.
	time.Sleep(l.delay)
	return l.sample, l.err
}

type fakeLastKnown struct {
	sample *pkg.LocationSample
	err    error
}

func (l fakeLastKnown) LastLocation(ctx context.Context) (*pkg.LocationSample, error) {
	return l.sample, l.err
}

type fakeAcquirer struct {
	sample  *pkg.LocationSample
	err     error
	panicV  interface{}
	calls   atomic.Int32
	blockOn chan struct{}
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (*pkg.LocationSample, error) {
	a.calls.Add(1)
	if a.blockOn != nil {
		<-a.blockOn
	}
	if a.panicV != nil {
		panic(a.panicV)
	}
	if a.sample == nil {
		return nil, a.err
	}
	s := *a.sample
	return &s, a.err
}

type recordingFixes struct {
	mu    sync.Mutex
	fixes []pkg.LocationSample
}

func (r *recordingFixes) Record(s pkg.LocationSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes = append(r.fixes, s)
	return nil
}

func (r *recordingFixes) all() []pkg.LocationSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pkg.LocationSample(nil), r.fixes...)
}

type recordingResults struct {
	mu      sync.Mutex
	results []*pkg.AcquisitionResult
}

func (r *recordingResults) ObserveResult(ctx context.Context, res *pkg.AcquisitionResult, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

type recordingProviders struct {
	mu       sync.Mutex
	outcomes map[pkg.Source][]string
}

func (r *recordingProviders) ObserveProvider(source pkg.Source, outcome string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[pkg.Source][]string)
	}
	r.outcomes[source] = append(r.outcomes[source], outcome)
}

func (r *recordingProviders) get(source pkg.Source) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes[source]...)
}
