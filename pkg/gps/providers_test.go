package gps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locfix/pkg"
)

func TestGNSSProvider_FirstFixWins(t *testing.T) {
	first := sampleAt(28.6139, 77.2090, 10, time.Now())
	second := sampleAt(0, 0, 1, time.Now())
	receiver := newFakeReceiver(true, func(l GNSSListener) {
		time.Sleep(5 * time.Millisecond)
		l.OnFix(first)
		l.OnFix(second)
	})

	p := NewGNSSProvider(receiver, nil)
	sample, err := p.Request(context.Background(), time.Second)

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceGPS, sample.Source)
	assert.Equal(t, first.Latitude, sample.Latitude)
	assert.Equal(t, int32(1), receiver.subscribe.Load())
	assert.Equal(t, int32(1), receiver.closed.Load())
}

func TestGNSSProvider_DisabledBeforeRequest(t *testing.T) {
	receiver := newFakeReceiver(false, nil)

	p := NewGNSSProvider(receiver, nil)
	sample, err := p.Request(context.Background(), time.Second)

	assert.NoError(t, err)
	assert.Nil(t, sample)
	assert.Equal(t, int32(0), receiver.subscribe.Load())
}

func TestGNSSProvider_DisabledMidFlight(t *testing.T) {
	receiver := newFakeReceiver(true, func(l GNSSListener) {
		time.Sleep(5 * time.Millisecond)
		l.OnDisabled()
		l.OnFix(sampleAt(1, 1, 1, time.Now()))
	})

	p := NewGNSSProvider(receiver, nil)
	sample, err := p.Request(context.Background(), time.Second)

	assert.ErrorIs(t, err, ErrProviderDisabled)
	assert.Nil(t, sample)
	assert.Equal(t, int32(1), receiver.closed.Load())
}

func TestGNSSProvider_TimeoutReleasesOnce(t *testing.T) {
	receiver := newFakeReceiver(true, nil)

	p := NewGNSSProvider(receiver, nil)
	start := time.Now()
	sample, err := p.Request(context.Background(), 20*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, sample)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(1), receiver.closed.Load())
}

func TestGNSSProvider_CancelReleasesOnce(t *testing.T) {
	receiver := newFakeReceiver(true, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sample, err := NewGNSSProvider(receiver, nil).Request(ctx, time.Minute)
		assert.NoError(t, err)
		assert.Nil(t, sample)
	}()

	require.Eventually(t, func() bool { return receiver.subscribe.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	cancel()
	<-done
	assert.Equal(t, int32(1), receiver.closed.Load())
}

func TestGNSSProvider_SubscribeErrorIsNoFix(t *testing.T) {
	receiver := newFakeReceiver(true, nil)
	receiver.subErr = errors.New("device busy")

	sample, err := NewGNSSProvider(receiver, nil).Request(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.Nil(t, sample)
}

func TestNetworkProvider_TagsSourceAndPassesMaxAge(t *testing.T) {
	fix := sampleAt(19.0760, 72.8777, 500, time.Now())
	locator := &fakeNetworkLocator{sample: &fix}

	p := NewNetworkProvider(locator, time.Minute, nil)
	sample, err := p.Request(context.Background(), time.Second)

	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceNetwork, sample.Source)
	assert.Equal(t, time.Minute, locator.maxAge)
	// The caller gets a copy
	assert.NotSame(t, &fix, sample)
}

func TestNetworkProvider_ErrorIsNoFix(t *testing.T) {
	locator := &fakeNetworkLocator{err: errors.New("no network")}

	sample, err := NewNetworkProvider(locator, time.Minute, nil).Request(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.Nil(t, sample)
}

func TestNetworkProvider_DeadlineBoundsBlockingLocator(t *testing.T) {
	fix := sampleAt(19.0760, 72.8777, 500, time.Now())
	locator := &fakeNetworkLocator{sample: &fix, delay: 300 * time.Millisecond}

	start := time.Now()
	sample, err := NewNetworkProvider(locator, time.Minute, nil).Request(context.Background(), 20*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, sample)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestFusedProvider(t *testing.T) {
	fix := sampleAt(18.5204, 73.8567, 50, time.Now())
	fix.Source = pkg.SourceGPS

	sample, err := NewFusedProvider(fakeLastKnown{sample: &fix}, nil).Request(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, pkg.SourceFused, sample.Source)

	sample, err = NewFusedProvider(fakeLastKnown{}, nil).Request(context.Background(), 0)
	assert.NoError(t, err)
	assert.Nil(t, sample)

	sample, err = NewFusedProvider(fakeLastKnown{err: errors.New("cache closed")}, nil).Request(context.Background(), 0)
	assert.NoError(t, err)
	assert.Nil(t, sample)
}
