package pkg

import (
	"fmt"
	"time"
)

// Source identifies the provider that produced a fix
type Source string

const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourceFused   Source = "fused"
)

// LocationSample is a single fix. It is immutable once produced and passed by value.
type LocationSample struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float32 `json:"accuracy_m"`
	CapturedAtMs   int64   `json:"captured_at_ms"` // Unix epoch milliseconds
	Source         Source  `json:"source"`
}

// CapturedAt returns the capture time as a time.Time
func (s LocationSample) CapturedAt() time.Time {
	return time.UnixMilli(s.CapturedAtMs)
}

// Age returns how old the sample is relative to now
func (s LocationSample) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.CapturedAtMs) * time.Millisecond
}

func (s LocationSample) String() string {
	return fmt.Sprintf("%s(%.6f,%.6f ±%.1fm @%d)", s.Source, s.Latitude, s.Longitude, s.AccuracyMeters, s.CapturedAtMs)
}

// StaleReferencePolicy decides what the distance check does when the last known
// location is older than LastKnownMaxAge.
type StaleReferencePolicy string

const (
	StaleReferenceFail StaleReferencePolicy = "fail"
	StaleReferenceSkip StaleReferencePolicy = "skip"
)

// AcquisitionConfig holds the budgets and thresholds of one AcquisitionService
type AcquisitionConfig struct {
	MaxDistanceKm        float64              `json:"max_distance_km"`
	AccuracyThresholdM   float32              `json:"accuracy_threshold_m"`
	GPSTimeout           time.Duration        `json:"gps_timeout"`
	NetworkTimeout       time.Duration        `json:"network_timeout"`
	RecencyThreshold     time.Duration        `json:"recency_threshold"`
	LastKnownMaxAge      time.Duration        `json:"last_known_max_age"`
	ProximityThresholdM  float64              `json:"proximity_threshold_m"`
	StaleReferencePolicy StaleReferencePolicy `json:"stale_reference_policy"`
	NetworkMaxCachedAge  time.Duration        `json:"network_max_cached_age"`
}

// DefaultAcquisitionConfig returns the default acquisition configuration
func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		MaxDistanceKm:        10,
		AccuracyThresholdM:   100,
		GPSTimeout:           30 * time.Second,
		NetworkTimeout:       15 * time.Second,
		RecencyThreshold:     30 * time.Second,
		LastKnownMaxAge:      10 * time.Minute,
		ProximityThresholdM:  1000,
		StaleReferencePolicy: StaleReferenceFail,
		NetworkMaxCachedAge:  60 * time.Second,
	}
}

// Validate rejects configurations the acquisition sequence cannot run with
func (c AcquisitionConfig) Validate() error {
	if c.GPSTimeout <= 0 {
		return fmt.Errorf("gps_timeout must be positive, got %v", c.GPSTimeout)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("network_timeout must be positive, got %v", c.NetworkTimeout)
	}
	if c.RecencyThreshold < 0 || c.LastKnownMaxAge < 0 || c.NetworkMaxCachedAge < 0 {
		return fmt.Errorf("age thresholds must not be negative")
	}
	if c.MaxDistanceKm < 0 || c.AccuracyThresholdM < 0 || c.ProximityThresholdM < 0 {
		return fmt.Errorf("distance and accuracy thresholds must not be negative")
	}
	switch c.StaleReferencePolicy {
	case StaleReferenceFail, StaleReferenceSkip:
	default:
		return fmt.Errorf("unknown stale_reference_policy %q", c.StaleReferencePolicy)
	}
	return nil
}

// Warnings lists settings that are accepted but break assumptions of the cascade
func (c AcquisitionConfig) Warnings() []string {
	var warnings []string
	if c.NetworkTimeout > c.GPSTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"network_timeout (%v) exceeds gps_timeout (%v); the overall deadline cuts the network budget short",
			c.NetworkTimeout, c.GPSTimeout))
	}
	return warnings
}

// ValidationOutcome is the result of a single check. Reason is always set.
type ValidationOutcome struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// ErrorKind classifies a failed acquisition
type ErrorKind string

const (
	ErrorPermissionDenied ErrorKind = "PERMISSION_DENIED"
	ErrorGPSDisabled      ErrorKind = "GPS_DISABLED"
	ErrorValidationFailed ErrorKind = "VALIDATION_FAILED"
	ErrorProximityFailed  ErrorKind = "PROXIMITY_FAILED"
	ErrorNoValidLocation  ErrorKind = "NO_VALID_LOCATION"
	// ErrorUnexpected covers collaborator errors that carry no remediation
	ErrorUnexpected ErrorKind = "UNEXPECTED"
)

// RecommendedAction is the remediation a host should offer the user
type RecommendedAction string

const (
	ActionNone               RecommendedAction = ""
	ActionRequestPermissions RecommendedAction = "REQUEST_PERMISSIONS"
	ActionEnableGPS          RecommendedAction = "ENABLE_GPS"
	ActionCalibrateDevice    RecommendedAction = "CALIBRATE_DEVICE"
)

// AcquisitionSuccess carries a fully validated fix
type AcquisitionSuccess struct {
	Location   LocationSample    `json:"location"`
	Validation ValidationOutcome `json:"validation"`
	Proximity  ValidationOutcome `json:"proximity"`
}

// AcquisitionFailure carries a classified failure
type AcquisitionFailure struct {
	Kind              ErrorKind         `json:"error_kind"`
	Message           string            `json:"message"`
	RecommendedAction RecommendedAction `json:"recommended_action,omitempty"`
}

// AcquisitionResult is either a success or a failure, never both
type AcquisitionResult struct {
	AttemptID string              `json:"attempt_id"`
	Success   *AcquisitionSuccess `json:"success,omitempty"`
	Failure   *AcquisitionFailure `json:"failure,omitempty"`
}

// OK reports whether the result is a success
func (r *AcquisitionResult) OK() bool {
	return r != nil && r.Success != nil
}

// Outcome returns "success" or the failure kind, for labels and logs
func (r *AcquisitionResult) Outcome() string {
	if r.OK() {
		return "success"
	}
	if r == nil || r.Failure == nil {
		return "unknown"
	}
	return string(r.Failure.Kind)
}

// CircleVerificationResult is the answer of an external circle verification
// service. Nothing in this module produces it yet.
type CircleVerificationResult struct {
	Verified   bool    `json:"verified"`
	CircleID   string  `json:"circle_id"`
	DistanceM  float64 `json:"distance_m"`
	Message    string  `json:"message"`
	VerifiedAt int64   `json:"verified_at_ms"`
}
