package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/gps"
	"github.com/markus-lassfolk/locfix/pkg/location"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

const (
	gnssFixTopic    = "gnss/fix"
	gnssStatusTopic = "gnss/status"
)

// topicSubscriber is the part of Client the GNSS receiver needs
type topicSubscriber interface {
	Topic(suffix string) string
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// GNSSStatus is the payload of <prefix>/gnss/status
type GNSSStatus struct {
	Enabled bool `json:"enabled"`
}

// GNSSReceiver turns fixes published by an external GNSS daemon into a
// continuous feed. Fixes arrive on <prefix>/gnss/fix as LocationSample JSON;
// the receiver state arrives on the retained <prefix>/gnss/status topic.
type GNSSReceiver struct {
	client topicSubscriber
	logger *logx.Logger
	now    func() time.Time

	mu        sync.Mutex
	enabled   bool
	listeners map[uint64]gps.GNSSListener
	nextID    uint64
}

// NewGNSSReceiver creates a receiver on client. The GNSS is assumed enabled
// until a status message says otherwise.
func NewGNSSReceiver(client *Client, logger *logx.Logger) *GNSSReceiver {
	return newGNSSReceiver(client, logger)
}

func newGNSSReceiver(client topicSubscriber, logger *logx.Logger) *GNSSReceiver {
	return &GNSSReceiver{
		client:    client,
		logger:    logger,
		now:       time.Now,
		enabled:   true,
		listeners: make(map[uint64]gps.GNSSListener),
	}
}

// Start subscribes to the fix and status topics
func (r *GNSSReceiver) Start() error {
	if err := r.client.Subscribe(r.client.Topic(gnssStatusTopic), r.handleStatus); err != nil {
		return err
	}
	return r.client.Subscribe(r.client.Topic(gnssFixTopic), r.handleFix)
}

// Stop removes both topic subscriptions
func (r *GNSSReceiver) Stop() error {
	errStatus := r.client.Unsubscribe(r.client.Topic(gnssStatusTopic))
	errFix := r.client.Unsubscribe(r.client.Topic(gnssFixTopic))
	if errStatus != nil {
		return errStatus
	}
	return errFix
}

// GPSEnabled implements gps.GPSStatusOracle
func (r *GNSSReceiver) GPSEnabled(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Subscribe implements gps.GNSSReceiver
func (r *GNSSReceiver) Subscribe(l gps.GNSSListener) (gps.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	return &listenerSubscription{receiver: r, id: id}, nil
}

func (r *GNSSReceiver) snapshotListeners() []gps.GNSSListener {
	out := make([]gps.GNSSListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *GNSSReceiver) handleFix(payload []byte) {
	sample, err := decodeFix(payload, r.now())
	if err != nil {
		r.logger.Warn("mqtt_gnss_fix_invalid", "error", err)
		return
	}

	r.mu.Lock()
	enabled := r.enabled
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	if !enabled {
		r.logger.Debug("mqtt_gnss_fix_ignored", "reason", "gps_disabled")
		return
	}

	for _, l := range listeners {
		if l.OnFix != nil {
			l.OnFix(sample)
		}
	}
}

func (r *GNSSReceiver) handleStatus(payload []byte) {
	var status GNSSStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		r.logger.Warn("mqtt_gnss_status_invalid", "error", err)
		return
	}

	r.mu.Lock()
	wasEnabled := r.enabled
	r.enabled = status.Enabled
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if wasEnabled == status.Enabled {
		return
	}
	r.logger.LogStateChange("mqtt_gnss", fmt.Sprint(wasEnabled), fmt.Sprint(status.Enabled), "status_message", nil)
	if status.Enabled {
		return
	}
	for _, l := range listeners {
		if l.OnDisabled != nil {
			l.OnDisabled()
		}
	}
}

func decodeFix(payload []byte, now time.Time) (pkg.LocationSample, error) {
	var sample pkg.LocationSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		return sample, fmt.Errorf("failed to decode fix: %w", err)
	}
	if err := location.ValidateCoordinates(sample.Latitude, sample.Longitude); err != nil {
		return sample, err
	}
	if sample.CapturedAtMs == 0 {
		sample.CapturedAtMs = now.UnixMilli()
	}
	sample.Source = pkg.SourceGPS
	return sample, nil
}

type listenerSubscription struct {
	once     sync.Once
	receiver *GNSSReceiver
	id       uint64
}

// Close removes the listener. Later calls do nothing.
func (s *listenerSubscription) Close() error {
	s.once.Do(func() {
		s.receiver.mu.Lock()
		delete(s.receiver.listeners, s.id)
		s.receiver.mu.Unlock()
	})
	return nil
}
