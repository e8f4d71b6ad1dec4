package gps

import (
	"errors"
	"fmt"

	"github.com/markus-lassfolk/locfix/pkg"
)

var (
	// ErrProviderDisabled is raised when the GPS provider is switched off while
	// a request is waiting for a fix. It aborts the whole acquisition.
	ErrProviderDisabled = errors.New("gps provider disabled during acquisition")

	// ErrNoValidLocation means no provider produced a fix
	ErrNoValidLocation = errors.New("no valid location from any provider")

	ErrPermissionDenied = errors.New("location permission not granted")
	ErrGPSDisabled      = errors.New("gps provider is disabled")
)

// AcquisitionError is a classified failure of the acquisition sequence. The
// remediation travels with the error so callers never inspect messages.
type AcquisitionError struct {
	Kind   pkg.ErrorKind
	Action pkg.RecommendedAction
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

func newAcquisitionError(kind pkg.ErrorKind, action pkg.RecommendedAction, err error) *AcquisitionError {
	return &AcquisitionError{Kind: kind, Action: action, Err: err}
}

// classify maps any error from the acquisition sequence to a failure
func classify(err error) *pkg.AcquisitionFailure {
	var acqErr *AcquisitionError
	switch {
	case errors.As(err, &acqErr):
		return &pkg.AcquisitionFailure{Kind: acqErr.Kind, Message: acqErr.Error(), RecommendedAction: acqErr.Action}
	case errors.Is(err, ErrNoValidLocation):
		return &pkg.AcquisitionFailure{Kind: pkg.ErrorNoValidLocation, Message: err.Error(), RecommendedAction: pkg.ActionCalibrateDevice}
	default:
		// includes ErrProviderDisabled, which must not look like the ENABLE_GPS pre-check
		return &pkg.AcquisitionFailure{Kind: pkg.ErrorUnexpected, Message: err.Error()}
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic during acquisition: %w", err)
	}
	return fmt.Errorf("panic during acquisition: %v", r)
}
