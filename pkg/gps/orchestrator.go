package gps

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
	"github.com/markus-lassfolk/locfix/pkg/tracing"
)

// Orchestrator runs the GPS, network and fused providers concurrently and
// picks the winner in strict priority order: GPS, then network, then fused.
// All three start at time zero; only the observation of their results is
// sequenced. The whole round is bounded by the GPS timeout.
type Orchestrator struct {
	gps     LocationProvider
	network LocationProvider
	fused   LocationProvider

	gpsTimeout     time.Duration
	networkTimeout time.Duration

	recorder  FixRecorder
	observers []ProviderObserver
	stats     *providerStatsTracker
	perf      *logx.PerformanceLogger
	logger    *logx.Logger
}

// OrchestratorOption customizes an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithFixRecorder reports every provider fix to r (for example the fused fix cache)
func WithFixRecorder(r FixRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithProviderObserver adds an observer of provider outcomes
func WithProviderObserver(obs ProviderObserver) OrchestratorOption {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithPerformanceLogger times each provider request
func WithPerformanceLogger(perf *logx.PerformanceLogger) OrchestratorOption {
	return func(o *Orchestrator) { o.perf = perf }
}

// NewOrchestrator creates an orchestrator over the three providers
func NewOrchestrator(gps, network, fused LocationProvider, cfg pkg.AcquisitionConfig, logger *logx.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gps:            gps,
		network:        network,
		fused:          fused,
		gpsTimeout:     cfg.GPSTimeout,
		networkTimeout: cfg.NetworkTimeout,
		stats:          newProviderStatsTracker(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type taskOutcome struct {
	sample *pkg.LocationSample
	err    error
}

// providerTask is one running provider request
type providerTask struct {
	source pkg.Source
	cancel context.CancelFunc
	result *OneShot[taskOutcome]
}

// launch starts p in its own goroutine. Cancelling the task never blocks.
func (o *Orchestrator) launch(ctx context.Context, p LocationProvider, deadline time.Duration) *providerTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &providerTask{
		source: p.Source(),
		cancel: cancel,
		result: NewOneShot[taskOutcome](),
	}

	go func() {
		defer cancel()
		spanCtx, span := tracing.StartSpan(taskCtx, "locfix.provider", attribute.String("source", string(task.source)))
		op := o.perf.StartOperation("provider_" + string(task.source))
		sample, err := p.Request(spanCtx, deadline)
		latency := op.Complete(err)

		outcome := OutcomeEmpty
		switch {
		case taskCtx.Err() != nil:
			// Anything a cancelled task produces is dropped.
			sample, err = nil, nil
			outcome = OutcomeCancelled
		case err != nil:
			outcome = OutcomeError
		case sample != nil:
			outcome = OutcomeFix
		}

		span.SetAttributes(attribute.String("outcome", outcome))
		tracing.End(span, err)

		task.result.Resolve(taskOutcome{sample: sample, err: err})
		o.stats.record(task.source, outcome, latency, err)
		for _, obs := range o.observers {
			obs.ObserveProvider(task.source, outcome, latency)
		}
		if sample != nil && sample.Source != pkg.SourceFused && o.recorder != nil {
			if recErr := o.recorder.Record(*sample); recErr != nil {
				o.logger.Warn("fix_record_failed", "source", task.source, "error", recErr)
			}
		}
		o.logger.LogVerbose("provider_resolved", map[string]interface{}{
			"source":     task.source,
			"outcome":    outcome,
			"latency_ms": latency.Milliseconds(),
		})
	}()

	return task
}

// await returns the task outcome, or false once ctx is done. A result that
// was already delivered before ctx ended is still returned.
func await(ctx context.Context, task *providerTask) (taskOutcome, bool) {
	if out, ok := task.result.Value(); ok {
		return out, true
	}
	select {
	case <-task.result.Done():
		out, _ := task.result.Value()
		return out, true
	case <-ctx.Done():
		return taskOutcome{}, false
	}
}

// Acquire runs one round. It returns (nil, nil) when no provider produced a
// fix, and ErrProviderDisabled when GPS was switched off mid-flight.
// A result delivered before the outer deadline is still used after it expires.
func (o *Orchestrator) Acquire(ctx context.Context) (*pkg.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, o.gpsTimeout)
	defer cancel()

	gpsTask := o.launch(ctx, o.gps, o.gpsTimeout)
	networkTask := o.launch(ctx, o.network, o.networkTimeout)
	fusedTask := o.launch(ctx, o.fused, 0)

	tasks := []*providerTask{gpsTask, networkTask, fusedTask}
	for i, task := range tasks {
		out, ok := await(ctx, task)
		if !ok {
			o.logger.Debug("acquisition_deadline_elapsed", "waiting_for", task.source)
			task.cancel()
			continue
		}
		if out.err != nil || out.sample != nil {
			// Lower-priority tasks are cancelled before returning.
			for _, lower := range tasks[i+1:] {
				lower.cancel()
			}
			if out.err != nil {
				o.logger.Warn("acquisition_aborted", "source", task.source, "error", out.err)
				return nil, out.err
			}
			o.logger.Info("acquisition_source_selected", "source", task.source, "accuracy_m", out.sample.AccuracyMeters)
			return out.sample, nil
		}
		task.cancel()
	}

	o.logger.Info("acquisition_no_fix")
	return nil, nil
}

// Stats returns per-provider request statistics
func (o *Orchestrator) Stats() map[pkg.Source]ProviderStats {
	return o.stats.snapshot()
}
