package gps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locfix/pkg"
)

func testConfig(gpsTimeout, networkTimeout time.Duration) pkg.AcquisitionConfig {
	cfg := pkg.DefaultAcquisitionConfig()
	cfg.GPSTimeout = gpsTimeout
	cfg.NetworkTimeout = networkTimeout
	return cfg
}

var (
	delhi  = sampleAt(28.6139, 77.2090, 10, time.Now())
	mumbai = sampleAt(19.0760, 72.8777, 30, time.Now())
	pune   = sampleAt(18.5204, 73.8567, 50, time.Now())
)

func TestOrchestrator_GPSWinsOverFasterSources(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, 40*time.Millisecond, delhi)
	network := fixProvider(pkg.SourceNetwork, 5*time.Millisecond, mumbai)
	fused := fixProvider(pkg.SourceFused, time.Millisecond, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(300*time.Millisecond, 150*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceGPS, sample.Source)
	assert.Equal(t, delhi.Latitude, sample.Latitude)
}

func TestOrchestrator_GPSFixCancelsPendingSiblings(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, 10*time.Millisecond, delhi)
	network := fixProvider(pkg.SourceNetwork, never, mumbai)
	fused := fixProvider(pkg.SourceFused, never, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(time.Second, 500*time.Millisecond), nil)
	start := time.Now()
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceGPS, sample.Source)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Eventually(t, func() bool {
		return network.cancelled.Load() && fused.cancelled.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_NetworkWhenGPSTimesOut(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, never, delhi)
	network := fixProvider(pkg.SourceNetwork, 10*time.Millisecond, mumbai)
	fused := fixProvider(pkg.SourceFused, never, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(150*time.Millisecond, 80*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceNetwork, sample.Source)
	assert.Eventually(t, fused.cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_NetworkWhenGPSEmpty(t *testing.T) {
	gps := emptyProvider(pkg.SourceGPS, 5*time.Millisecond)
	network := fixProvider(pkg.SourceNetwork, 20*time.Millisecond, mumbai)
	fused := fixProvider(pkg.SourceFused, time.Millisecond, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(200*time.Millisecond, 100*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceNetwork, sample.Source)
}

func TestOrchestrator_FusedWhenGPSAndNetworkFail(t *testing.T) {
	gps := emptyProvider(pkg.SourceGPS, 10*time.Millisecond)
	network := emptyProvider(pkg.SourceNetwork, 10*time.Millisecond)
	fused := fixProvider(pkg.SourceFused, time.Millisecond, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(200*time.Millisecond, 100*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceFused, sample.Source)
}

func TestOrchestrator_NoneWhenAllEmpty(t *testing.T) {
	gps := emptyProvider(pkg.SourceGPS, 5*time.Millisecond)
	network := emptyProvider(pkg.SourceNetwork, 5*time.Millisecond)
	fused := emptyProvider(pkg.SourceFused, 5*time.Millisecond)

	o := NewOrchestrator(gps, network, fused, testConfig(200*time.Millisecond, 100*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, sample)
}

func TestOrchestrator_GPSDisabledAbortsRace(t *testing.T) {
	gps := &fakeProvider{source: pkg.SourceGPS, delay: 30 * time.Millisecond, err: ErrProviderDisabled}
	network := fixProvider(pkg.SourceNetwork, time.Millisecond, mumbai)
	fused := fixProvider(pkg.SourceFused, time.Millisecond, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(200*time.Millisecond, 100*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	assert.ErrorIs(t, err, ErrProviderDisabled)
	assert.Nil(t, sample)
}

func TestOrchestrator_DeadlineBoundsTotalTime(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, never, delhi)
	// Network budget larger than the overall deadline
	network := fixProvider(pkg.SourceNetwork, never, mumbai)
	fused := fixProvider(pkg.SourceFused, never, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(60*time.Millisecond, 500*time.Millisecond), nil)
	start := time.Now()
	sample, err := o.Acquire(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, sample)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestOrchestrator_HeldResultSurvivesDeadline(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, never, delhi)
	network := fixProvider(pkg.SourceNetwork, never, mumbai)
	fused := fixProvider(pkg.SourceFused, time.Millisecond, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(60*time.Millisecond, 500*time.Millisecond), nil)
	sample, err := o.Acquire(context.Background())

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceFused, sample.Source)
}

func TestOrchestrator_ParentCancellation(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, never, delhi)
	network := fixProvider(pkg.SourceNetwork, never, mumbai)
	fused := fixProvider(pkg.SourceFused, never, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(time.Second, 500*time.Millisecond), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	sample, err := o.Acquire(ctx)
	assert.NoError(t, err)
	assert.Nil(t, sample)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOrchestrator_RecordsFixesAndStats(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, 30*time.Millisecond, delhi)
	network := fixProvider(pkg.SourceNetwork, time.Millisecond, mumbai)
	fused := emptyProvider(pkg.SourceFused, time.Millisecond)

	recorder := &recordingFixes{}
	observer := &recordingProviders{}
	o := NewOrchestrator(gps, network, fused, testConfig(300*time.Millisecond, 150*time.Millisecond), nil,
		WithFixRecorder(recorder), WithProviderObserver(observer))

	sample, err := o.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sample)

	require.Eventually(t, func() bool { return len(recorder.all()) == 2 }, time.Second, 5*time.Millisecond)
	sources := []pkg.Source{recorder.all()[0].Source, recorder.all()[1].Source}
	assert.ElementsMatch(t, []pkg.Source{pkg.SourceGPS, pkg.SourceNetwork}, sources)

	require.Eventually(t, func() bool { return len(observer.get(pkg.SourceGPS)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeFix}, observer.get(pkg.SourceGPS))
	assert.Equal(t, []string{OutcomeFix}, observer.get(pkg.SourceNetwork))
	assert.Equal(t, []string{OutcomeEmpty}, observer.get(pkg.SourceFused))

	stats := o.Stats()
	assert.Equal(t, 1, stats[pkg.SourceGPS].Fixes)
	assert.Equal(t, 1, stats[pkg.SourceFused].Empty)
	assert.InDelta(t, 1.0, stats[pkg.SourceGPS].SuccessRate, 1e-9)
}

func TestOrchestrator_StartsAllProvidersImmediately(t *testing.T) {
	gps := fixProvider(pkg.SourceGPS, 20*time.Millisecond, delhi)
	network := fixProvider(pkg.SourceNetwork, never, mumbai)
	fused := fixProvider(pkg.SourceFused, never, pune)

	o := NewOrchestrator(gps, network, fused, testConfig(time.Second, 500*time.Millisecond), nil)
	_, err := o.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), gps.calls.Load())
	assert.Equal(t, int32(1), network.calls.Load())
	assert.Equal(t, int32(1), fused.calls.Load())
}
