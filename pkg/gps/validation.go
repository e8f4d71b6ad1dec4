package gps

import (
	"fmt"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/location"
)

const reasonAllCriteriaMet = "all criteria met"

// ValidationPipeline applies the recency, accuracy and distance-from-last-known
// checks to a fix, stopping at the first failure.
type ValidationPipeline struct {
	recencyThreshold   time.Duration
	accuracyThresholdM float32
	maxDistanceKm      float64
	lastKnownMaxAge    time.Duration
	stalePolicy        pkg.StaleReferencePolicy
	now                func() time.Time
}

// NewValidationPipeline builds a pipeline from the acquisition thresholds
func NewValidationPipeline(cfg pkg.AcquisitionConfig) *ValidationPipeline {
	return &ValidationPipeline{
		recencyThreshold:   cfg.RecencyThreshold,
		accuracyThresholdM: cfg.AccuracyThresholdM,
		maxDistanceKm:      cfg.MaxDistanceKm,
		lastKnownMaxAge:    cfg.LastKnownMaxAge,
		stalePolicy:        cfg.StaleReferencePolicy,
		now:                time.Now,
	}
}

// Validate checks sample. lastKnown may be nil, in which case the distance
// check does not apply.
func (v *ValidationPipeline) Validate(sample pkg.LocationSample, lastKnown *pkg.LocationSample) pkg.ValidationOutcome {
	now := v.now()

	if out := CheckRecency(sample, now, v.recencyThreshold); !out.Valid {
		return out
	}
	if out := CheckAccuracy(sample, v.accuracyThresholdM); !out.Valid {
		return out
	}
	if lastKnown != nil {
		if out := CheckDistance(sample, *lastKnown, now, v.maxDistanceKm, v.lastKnownMaxAge, v.stalePolicy); !out.Valid {
			return out
		}
	}
	return pkg.ValidationOutcome{Valid: true, Reason: reasonAllCriteriaMet}
}

// CheckRecency fails when the fix is older than threshold. A fix exactly
// threshold old passes.
func CheckRecency(sample pkg.LocationSample, now time.Time, threshold time.Duration) pkg.ValidationOutcome {
	age := sample.Age(now)
	if age > threshold {
		return pkg.ValidationOutcome{
			Reason: fmt.Sprintf("location too old: %dms exceeds %dms", age.Milliseconds(), threshold.Milliseconds()),
		}
	}
	return pkg.ValidationOutcome{Valid: true, Reason: fmt.Sprintf("location is %dms old", age.Milliseconds())}
}

// CheckAccuracy fails when the accuracy radius is larger than thresholdM
func CheckAccuracy(sample pkg.LocationSample, thresholdM float32) pkg.ValidationOutcome {
	// NaN compares false, so only an accuracy proven within the threshold passes
	if !(sample.AccuracyMeters <= thresholdM) {
		return pkg.ValidationOutcome{
			Reason: fmt.Sprintf("accuracy too low: %.1fm exceeds %.1fm", sample.AccuracyMeters, thresholdM),
		}
	}
	return pkg.ValidationOutcome{Valid: true, Reason: fmt.Sprintf("accuracy %.1fm", sample.AccuracyMeters)}
}

// CheckDistance compares sample with the last known fix. A reference older
// than maxAge is handled according to policy.
func CheckDistance(sample, lastKnown pkg.LocationSample, now time.Time, maxDistanceKm float64, maxAge time.Duration, policy pkg.StaleReferencePolicy) pkg.ValidationOutcome {
	if age := lastKnown.Age(now); age > maxAge {
		if policy == pkg.StaleReferenceSkip {
			return pkg.ValidationOutcome{
				Valid:  true,
				Reason: fmt.Sprintf("stale reference skipped: last known location is %dms old", age.Milliseconds()),
			}
		}
		return pkg.ValidationOutcome{
			Reason: fmt.Sprintf("stale reference: last known location is %dms old, limit %dms", age.Milliseconds(), maxAge.Milliseconds()),
		}
	}

	distance := location.HaversineKm(sample.Latitude, sample.Longitude, lastKnown.Latitude, lastKnown.Longitude)
	if distance > maxDistanceKm {
		return pkg.ValidationOutcome{
			Reason: fmt.Sprintf("location jumped %.3fkm from last known, limit %.3fkm", distance, maxDistanceKm),
		}
	}
	return pkg.ValidationOutcome{Valid: true, Reason: fmt.Sprintf("%.3fkm from last known location", distance)}
}
