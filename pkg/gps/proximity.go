package gps

import (
	"fmt"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/location"
)

const reasonNoReference = "no reference location, proximity not checked"

// ProximityGuard checks that a fix stays close to a reference location
type ProximityGuard struct {
	thresholdM float64
}

// NewProximityGuard creates a guard failing beyond thresholdM meters
func NewProximityGuard(thresholdM float64) *ProximityGuard {
	return &ProximityGuard{thresholdM: thresholdM}
}

// Check prefers lastSuccessful over registered as the reference. With neither
// set the fix passes.
func (g *ProximityGuard) Check(sample pkg.LocationSample, lastSuccessful, registered *pkg.LocationSample) pkg.ValidationOutcome {
	ref := lastSuccessful
	name := "last successful location"
	if ref == nil {
		ref = registered
		name = "registered reference"
	}
	if ref == nil {
		return pkg.ValidationOutcome{Valid: true, Reason: reasonNoReference}
	}

	distanceM := location.HaversineKm(sample.Latitude, sample.Longitude, ref.Latitude, ref.Longitude) * 1000
	if distanceM > g.thresholdM {
		return pkg.ValidationOutcome{
			Reason: fmt.Sprintf("%.1fm from %s exceeds %.1fm", distanceM, name, g.thresholdM),
		}
	}
	return pkg.ValidationOutcome{Valid: true, Reason: fmt.Sprintf("%.1fm from %s", distanceM, name)}
}
