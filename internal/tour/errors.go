package tour

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrScanInProgress is returned when a scan is submitted while another is in flight.
	ErrScanInProgress = errors.New("tour: scan already in progress")
	// ErrTransportFailure marks failures the visitor can retry by scanning again.
	ErrTransportFailure = errors.New("tour: backend unavailable")
	// ErrStaleLocalIdentity marks a stored participant the backend no longer knows.
	ErrStaleLocalIdentity = errors.New("tour: stale local identity")

	errMissingBackend = errors.New("backend dependency is required")
	errMissingStore   = errors.New("identity store dependency is required")
	errMissingCapture = errors.New("capture dependency is required")
	errMissingTour    = errors.New("orchestrator dependency is required")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew          = "tour.new"
	opSubmitScan   = "tour.submit_scan"
	opLoadProgress = "tour.load_progress"
	opBoothList    = "tour.booth_list"
	opReset        = "tour.reset"
	opSession      = "tour.session"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	if o.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	o.logger.Error("tour operation failed", allFields...)
}
