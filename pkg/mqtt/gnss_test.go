package mqtt

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/gps"
)

func startedReceiver(t *testing.T) (*GNSSReceiver, *fakePaho) {
	t.Helper()
	c, paho := connectedClient(t)
	r := NewGNSSReceiver(c, nil)
	require.NoError(t, r.Start())
	return r, paho
}

func TestGNSSReceiver_DeliversFixes(t *testing.T) {
	r, paho := startedReceiver(t)

	fixes := make(chan pkg.LocationSample, 1)
	sub, err := r.Subscribe(gps.GNSSListener{OnFix: func(s pkg.LocationSample) { fixes <- s }})
	require.NoError(t, err)
	defer sub.Close()

	paho.deliver("locfix/gnss/fix", []byte(`{"latitude":59.3293,"longitude":18.0686,"accuracy_m":3.5,"captured_at_ms":1700000000000}`))

	select {
	case fix := <-fixes:
		assert.Equal(t, 59.3293, fix.Latitude)
		assert.Equal(t, float32(3.5), fix.AccuracyMeters)
		assert.Equal(t, int64(1700000000000), fix.CapturedAtMs)
		assert.Equal(t, pkg.SourceGPS, fix.Source)
	case <-time.After(time.Second):
		t.Fatal("fix not delivered")
	}
}

func TestGNSSReceiver_StampsMissingCaptureTime(t *testing.T) {
	r, paho := startedReceiver(t)
	now := time.UnixMilli(1700000123456)
	r.now = func() time.Time { return now }

	var got pkg.LocationSample
	sub, err := r.Subscribe(gps.GNSSListener{OnFix: func(s pkg.LocationSample) { got = s }})
	require.NoError(t, err)
	defer sub.Close()

	paho.deliver("locfix/gnss/fix", []byte(`{"latitude":1,"longitude":2,"accuracy_m":5}`))
	assert.Equal(t, now.UnixMilli(), got.CapturedAtMs)
}

func TestGNSSReceiver_RejectsBadFixes(t *testing.T) {
	r, paho := startedReceiver(t)

	var delivered atomic.Int32
	sub, err := r.Subscribe(gps.GNSSListener{OnFix: func(pkg.LocationSample) { delivered.Add(1) }})
	require.NoError(t, err)
	defer sub.Close()

	paho.deliver("locfix/gnss/fix", []byte(`not json`))
	paho.deliver("locfix/gnss/fix", []byte(`{"latitude":123,"longitude":2}`))
	assert.Equal(t, int32(0), delivered.Load())
}

func TestGNSSReceiver_StatusTransitions(t *testing.T) {
	r, paho := startedReceiver(t)
	assert.True(t, r.GPSEnabled(context.Background()))

	var disabled atomic.Int32
	sub, err := r.Subscribe(gps.GNSSListener{OnDisabled: func() { disabled.Add(1) }})
	require.NoError(t, err)

	paho.deliver("locfix/gnss/status", []byte(`{"enabled":false}`))
	paho.deliver("locfix/gnss/status", []byte(`{"enabled":false}`))
	assert.False(t, r.GPSEnabled(context.Background()))
	assert.Equal(t, int32(1), disabled.Load())

	paho.deliver("locfix/gnss/status", []byte(`{"enabled":true}`))
	assert.True(t, r.GPSEnabled(context.Background()))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	paho.deliver("locfix/gnss/status", []byte(`{"enabled":false}`))
	assert.Equal(t, int32(1), disabled.Load())
}

func TestGNSSReceiver_WorksWithGNSSProvider(t *testing.T) {
	r, paho := startedReceiver(t)
	provider := gps.NewGNSSProvider(r, nil)

	go func() {
		// Publish until the provider has subscribed and taken a fix
		for i := 0; i < 100; i++ {
			paho.deliver("locfix/gnss/fix", []byte(`{"latitude":59.3293,"longitude":18.0686,"accuracy_m":4}`))
			time.Sleep(2 * time.Millisecond)
		}
	}()

	sample, err := provider.Request(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 59.3293, sample.Latitude)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.listeners)
}

func TestGNSSReceiver_Stop(t *testing.T) {
	r, paho := startedReceiver(t)
	require.NoError(t, r.Stop())
	assert.False(t, paho.deliver("locfix/gnss/fix", []byte(`{}`)))
	assert.False(t, paho.deliver("locfix/gnss/status", []byte(`{}`)))
}
