package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/locfix/pkg"
)

// Collector exposes acquisition metrics to Prometheus. It observes both
// terminal acquisition results and individual provider outcomes.
type Collector struct {
	gatherer prometheus.Gatherer

	Acquisitions        *prometheus.CounterVec
	AcquisitionDuration prometheus.Histogram
	ProviderRequests    *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	LastSuccess         prometheus.Gauge
	LastAccuracy        prometheus.Gauge
}

// NewCollector registers the metrics against reg, or the default registerer
// when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	acquisitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locfix_acquisitions_total",
		Help: "Acquisition attempts by outcome (success or error kind).",
	}, []string{"outcome"}), "locfix_acquisitions_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locfix_acquisition_duration_seconds",
		Help:    "Wall-clock duration of acquisition attempts.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
	}), "locfix_acquisition_duration_seconds")
	if err != nil {
		return nil, err
	}

	providerRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locfix_provider_requests_total",
		Help: "Provider requests by source and outcome.",
	}, []string{"source", "outcome"}), "locfix_provider_requests_total")
	if err != nil {
		return nil, err
	}

	providerLatency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locfix_provider_latency_seconds",
		Help:    "Time until a provider request resolved.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	}, []string{"source"}), "locfix_provider_latency_seconds")
	if err != nil {
		return nil, err
	}

	lastSuccess, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locfix_last_success_timestamp_seconds",
		Help: "Unix time of the last successful acquisition.",
	}), "locfix_last_success_timestamp_seconds")
	if err != nil {
		return nil, err
	}

	lastAccuracy, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locfix_last_fix_accuracy_meters",
		Help: "Accuracy radius of the last accepted fix.",
	}), "locfix_last_fix_accuracy_meters")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		Acquisitions:        acquisitions,
		AcquisitionDuration: duration,
		ProviderRequests:    providerRequests,
		ProviderLatency:     providerLatency,
		LastSuccess:         lastSuccess,
		LastAccuracy:        lastAccuracy,
	}, nil
}

// Handler serves the collector's gatherer in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveResult implements gps.ResultObserver
func (c *Collector) ObserveResult(_ context.Context, result *pkg.AcquisitionResult, duration time.Duration) {
	if c == nil || result == nil {
		return
	}
	c.Acquisitions.WithLabelValues(result.Outcome()).Inc()
	c.AcquisitionDuration.Observe(duration.Seconds())
	if result.OK() {
		c.LastSuccess.Set(float64(time.Now().Unix()))
		c.LastAccuracy.Set(float64(result.Success.Location.AccuracyMeters))
	}
}

// ObserveProvider implements gps.ProviderObserver
func (c *Collector) ObserveProvider(source pkg.Source, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.ProviderRequests.WithLabelValues(string(source), outcome).Inc()
	c.ProviderLatency.WithLabelValues(string(source)).Observe(latency.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, hist *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounterVec(reg prometheus.Registerer, counter *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
