package tour

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/stamptour/internal/payload"
	"go.uber.org/zap"
)

// Capture is a decoder that yields the text of every QR frame it reads.
// The channel closes when the capture ends on its own.
type Capture interface {
	Start(ctx context.Context) (<-chan string, error)
	Stop() error
}

// SessionConfig describes a scanning session.
type SessionConfig struct {
	Capture      Capture
	Orchestrator *Orchestrator
	// OnOutcome receives every answered scan.
	OnOutcome func(Outcome)
	// OnError receives local rejections and failed submissions.
	OnError func(error)
	// StopOnNavigate ends the session once a scan schedules a route change.
	StopOnNavigate bool
	Logger         *zap.Logger
}

// Session feeds decoded frames into the orchestrator one at a time.
type Session struct {
	capture        Capture
	orchestrator   *Orchestrator
	onOutcome      func(Outcome)
	onError        func(error)
	stopOnNavigate bool
	logger         *zap.Logger
}

// NewSession validates the session dependencies.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Capture == nil {
		return nil, newServiceError(opSession, "missing_capture", errMissingCapture)
	}
	if cfg.Orchestrator == nil {
		return nil, newServiceError(opSession, "missing_orchestrator", errMissingTour)
	}
	onOutcome := cfg.OnOutcome
	if onOutcome == nil {
		onOutcome = func(Outcome) {}
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		capture:        cfg.Capture,
		orchestrator:   cfg.Orchestrator,
		onOutcome:      onOutcome,
		onError:        onError,
		stopOnNavigate: cfg.StopOnNavigate,
		logger:         logger,
	}, nil
}

// Run scans until the capture ends, ctx is cancelled, or a navigation is
// scheduled with StopOnNavigate. The capture is stopped on every exit path.
func (s *Session) Run(ctx context.Context) (err error) {
	frames, err := s.capture.Start(ctx)
	if err != nil {
		return newServiceError(opSession, "capture_start_failed", err)
	}
	defer func() {
		if stopErr := s.capture.Stop(); stopErr != nil {
			s.logger.Warn("capture stop failed", zap.Error(stopErr))
			if err == nil {
				err = newServiceError(opSession, "capture_stop_failed", stopErr)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-frames:
			if !ok {
				return nil
			}
			outcome, submitErr := s.orchestrator.Submit(ctx, raw)
			if submitErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(submitErr, payload.ErrInvalidPayload) && !errors.Is(submitErr, ErrScanInProgress) {
					s.logger.Warn("scan failed", zap.Error(submitErr))
				}
				s.onError(submitErr)
				continue
			}
			s.onOutcome(outcome)
			if s.stopOnNavigate && outcome.Next != RouteStay {
				return nil
			}
		}
	}
}
