package gps

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
	"github.com/markus-lassfolk/locfix/pkg/tracing"
)

// ServiceStats counts acquisition attempts by outcome
type ServiceStats struct {
	Attempts       int                   `json:"attempts"`
	Successes      int                   `json:"successes"`
	Failures       map[pkg.ErrorKind]int `json:"failures"`
	LastAttemptID  string                `json:"last_attempt_id"`
	LastOutcome    string                `json:"last_outcome"`
	LastAttemptAt  time.Time             `json:"last_attempt_at"`
	LastDurationMs int64                 `json:"last_duration_ms"`
}

// ReferenceSnapshot is a copy of the reference locations held by the service
type ReferenceSnapshot struct {
	LastKnown      *pkg.LocationSample `json:"last_known,omitempty"`
	LastSuccessful *pkg.LocationSample `json:"last_successful,omitempty"`
	Registered     *pkg.LocationSample `json:"registered,omitempty"`
}

// AcquisitionService runs the full acquisition sequence and owns the
// reference locations that persist between attempts. Acquire calls are
// serialized; the setters never wait for a running acquisition.
type AcquisitionService struct {
	permission PermissionOracle
	gpsStatus  GPSStatusOracle
	acquirer   FixAcquirer
	validation *ValidationPipeline
	proximity  *ProximityGuard
	observers  []ResultObserver
	perf       *logx.PerformanceLogger
	logger     *logx.Logger

	acquireMu sync.Mutex
	now       func() time.Time

	stateMu        sync.RWMutex
	lastKnown      *pkg.LocationSample
	lastSuccessful *pkg.LocationSample
	registered     *pkg.LocationSample
	stats          ServiceStats
}

// ServiceOption customizes an AcquisitionService
type ServiceOption func(*AcquisitionService)

// WithResultObserver adds an observer notified of every terminal result
func WithResultObserver(obs ResultObserver) ServiceOption {
	return func(s *AcquisitionService) { s.observers = append(s.observers, obs) }
}

// WithAcquireTiming times every Acquire call as the "acquire" operation
func WithAcquireTiming(perf *logx.PerformanceLogger) ServiceOption {
	return func(s *AcquisitionService) { s.perf = perf }
}

// WithClock replaces the wall clock used for validation and attempt IDs
func WithClock(now func() time.Time) ServiceOption {
	return func(s *AcquisitionService) {
		s.now = now
		s.validation.now = now
	}
}

// NewAcquisitionService wires the acquisition sequence together
func NewAcquisitionService(cfg pkg.AcquisitionConfig, permission PermissionOracle, gpsStatus GPSStatusOracle, acquirer FixAcquirer, logger *logx.Logger, opts ...ServiceOption) *AcquisitionService {
	s := &AcquisitionService{
		permission: permission,
		gpsStatus:  gpsStatus,
		acquirer:   acquirer,
		validation: NewValidationPipeline(cfg),
		proximity:  NewProximityGuard(cfg.ProximityThresholdM),
		logger:     logger,
		now:        time.Now,
		stats:      ServiceStats{Failures: make(map[pkg.ErrorKind]int)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire runs one acquisition and always returns a classified result
func (s *AcquisitionService) Acquire(ctx context.Context) *pkg.AcquisitionResult {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	start := s.now()
	attemptID := newAttemptID(start)
	logger := s.logger.With("attempt_id", attemptID)
	logger.Debug("acquisition_started")

	ctx, span := tracing.StartSpan(ctx, "locfix.acquire", attribute.String("attempt_id", attemptID))
	op := s.perf.StartOperation("acquire")
	success, err := s.run(ctx, logger)
	op.Complete(err)

	result := &pkg.AcquisitionResult{AttemptID: attemptID}
	if err != nil {
		result.Failure = classify(err)
		logger.Warn("acquisition_failed",
			"error_kind", result.Failure.Kind,
			"message", result.Failure.Message,
			"recommended_action", result.Failure.RecommendedAction)
	} else {
		result.Success = success
		logger.Info("acquisition_succeeded",
			"source", success.Location.Source,
			"latitude", success.Location.Latitude,
			"longitude", success.Location.Longitude,
			"accuracy_m", success.Location.AccuracyMeters)
	}

	span.SetAttributes(attribute.String("outcome", result.Outcome()))
	tracing.End(span, err)

	duration := s.now().Sub(start)
	s.recordStats(result, start, duration)
	for _, obs := range s.observers {
		obs.ObserveResult(ctx, result, duration)
	}
	return result
}

// run is the acquisition sequence. Every failure comes back as an error so
// that one classification step builds the result.
func (s *AcquisitionService) run(ctx context.Context, logger *logx.Logger) (success *pkg.AcquisitionSuccess, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("acquisition_panic", "panic", r)
			success, err = nil, panicError(r)
		}
	}()

	if !s.permission.HasLocationPermission(ctx) {
		return nil, newAcquisitionError(pkg.ErrorPermissionDenied, pkg.ActionRequestPermissions, ErrPermissionDenied)
	}
	if !s.gpsStatus.GPSEnabled(ctx) {
		return nil, newAcquisitionError(pkg.ErrorGPSDisabled, pkg.ActionEnableGPS, ErrGPSDisabled)
	}

	sample, err := s.acquirer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, ErrNoValidLocation
	}

	refs := s.Snapshot()

	validation := s.validation.Validate(*sample, refs.LastKnown)
	if !validation.Valid {
		return nil, newAcquisitionError(pkg.ErrorValidationFailed, pkg.ActionNone, errorString(validation.Reason))
	}
	logger.LogVerbose("validation_passed", map[string]interface{}{"reason": validation.Reason})

	proximity := s.proximity.Check(*sample, refs.LastSuccessful, refs.Registered)
	if !proximity.Valid {
		return nil, newAcquisitionError(pkg.ErrorProximityFailed, pkg.ActionNone, errorString(proximity.Reason))
	}

	fix := *sample
	s.stateMu.Lock()
	s.lastSuccessful = &fix
	s.stateMu.Unlock()
	from := "unset"
	if refs.LastSuccessful != nil {
		from = refs.LastSuccessful.String()
	}
	logger.LogStateChange("last_successful_location", from, fix.String(), proximity.Reason, nil)

	return &pkg.AcquisitionSuccess{Location: fix, Validation: validation, Proximity: proximity}, nil
}

// SetLastKnownLocation replaces the reference used by the distance check
func (s *AcquisitionService) SetLastKnownLocation(sample pkg.LocationSample) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastKnown = &sample
}

// SetRegisteredReferenceLocation replaces the fallback proximity reference
func (s *AcquisitionService) SetRegisteredReferenceLocation(sample pkg.LocationSample) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.registered = &sample
}

// Snapshot returns copies of the reference locations
func (s *AcquisitionService) Snapshot() ReferenceSnapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return ReferenceSnapshot{
		LastKnown:      copySample(s.lastKnown),
		LastSuccessful: copySample(s.lastSuccessful),
		Registered:     copySample(s.registered),
	}
}

// Stats returns a copy of the attempt counters
func (s *AcquisitionService) Stats() ServiceStats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := s.stats
	out.Failures = make(map[pkg.ErrorKind]int, len(s.stats.Failures))
	for k, v := range s.stats.Failures {
		out.Failures[k] = v
	}
	return out
}

func (s *AcquisitionService) recordStats(result *pkg.AcquisitionResult, start time.Time, duration time.Duration) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.stats.Attempts++
	if result.OK() {
		s.stats.Successes++
	} else {
		s.stats.Failures[result.Failure.Kind]++
	}
	s.stats.LastAttemptID = result.AttemptID
	s.stats.LastOutcome = result.Outcome()
	s.stats.LastAttemptAt = start
	s.stats.LastDurationMs = duration.Milliseconds()
}

func copySample(s *pkg.LocationSample) *pkg.LocationSample {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func newAttemptID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// errorString carries a business-rule reason as an error message verbatim
type errorString string

func (e errorString) Error() string { return string(e) }
