package tour

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	"github.com/MarcoPoloResearchLab/stamptour/internal/payload"
	"github.com/MarcoPoloResearchLab/stamptour/internal/progress"
	"github.com/MarcoPoloResearchLab/stamptour/internal/schedule"
	"go.uber.org/zap"
)

const (
	// DefaultCompleteDelay keeps the success message visible before the completion view.
	DefaultCompleteDelay = 2 * time.Second
	// DefaultHomeDelay keeps the success message visible before returning home.
	DefaultHomeDelay = 1500 * time.Millisecond

	messageRecordedFallback = "Stamp collected."
	messageDuplicate        = "You already collected the stamp at this booth."
	messageRejected         = "This booth does not exist or is not active."
	messageUnavailable      = "The stamp could not be recorded. Please scan again."
)

// Backend is the part of the backend client the orchestrator relies on.
type Backend interface {
	Scan(ctx context.Context, request backend.ScanRequest) (backend.ScanResult, error)
	Booths(ctx context.Context) ([]backend.Booth, error)
	ParticipantStats(ctx context.Context, participantID string) (backend.ParticipantStats, error)
	ParticipantDetail(ctx context.Context, participantID string) (backend.ParticipantDetail, error)
}

// IdentityStore persists the participant identifier and the cached snapshot.
type IdentityStore interface {
	ParticipantID(ctx context.Context) (string, bool, error)
	SetParticipantID(ctx context.Context, participantID string) error
	Snapshot(ctx context.Context) (identity.Snapshot, bool, error)
	SetSnapshot(ctx context.Context, snapshot identity.Snapshot) error
	Clear(ctx context.Context) error
}

// Route is the view the client moves to after a scan.
type Route int

const (
	RouteStay Route = iota
	RouteHome
	RouteComplete
)

func (r Route) String() string {
	switch r {
	case RouteHome:
		return "home"
	case RouteComplete:
		return "complete"
	default:
		return "stay"
	}
}

// Navigator performs a scheduled route change.
type Navigator interface {
	Navigate(route Route)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route Route)

func (f NavigatorFunc) Navigate(route Route) {
	f(route)
}

// OutcomeKind classifies a scan the backend answered.
type OutcomeKind int

const (
	OutcomeRecorded OutcomeKind = iota
	OutcomeDuplicate
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	default:
		return "recorded"
	}
}

// Outcome is the result of one scan submission.
type Outcome struct {
	Kind           OutcomeKind
	BoothCode      payload.BoothCode
	BoothName      string
	Message        string
	Participant    identity.Snapshot
	Progress       progress.Snapshot
	NewParticipant bool
	// JustCompleted is true only for the scan that completed the tour.
	JustCompleted bool
	Next          Route
}

// OrchestratorConfig describes the dependencies of an Orchestrator.
type OrchestratorConfig struct {
	Backend       Backend
	Store         IdentityStore
	Resolver      *payload.Resolver
	Model         *progress.Model
	Navigator     Navigator
	CompleteDelay time.Duration
	HomeDelay     time.Duration
	Logger        *zap.Logger
}

// Orchestrator sequences scans for one client view.
type Orchestrator struct {
	backend       Backend
	store         IdentityStore
	resolver      *payload.Resolver
	model         *progress.Model
	navigator     Navigator
	completeDelay time.Duration
	homeDelay     time.Duration
	logger        *zap.Logger

	busy       atomic.Bool
	timers     *schedule.Group
	navMu      sync.Mutex
	navigation *schedule.Handle
}

// NewOrchestrator validates dependencies and applies defaults.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, newServiceError(opNew, "missing_backend", errMissingBackend)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}

	resolver := cfg.Resolver
	if resolver == nil {
		defaultResolver, err := payload.NewResolver(payload.DefaultPrefixes)
		if err != nil {
			return nil, newServiceError(opNew, "resolver_failed", err)
		}
		resolver = defaultResolver
	}
	model := cfg.Model
	if model == nil {
		defaultModel, err := progress.NewModel(progress.DefaultThreshold)
		if err != nil {
			return nil, newServiceError(opNew, "model_failed", err)
		}
		model = defaultModel
	}
	navigator := cfg.Navigator
	if navigator == nil {
		navigator = NavigatorFunc(func(Route) {})
	}
	completeDelay := cfg.CompleteDelay
	if completeDelay <= 0 {
		completeDelay = DefaultCompleteDelay
	}
	homeDelay := cfg.HomeDelay
	if homeDelay <= 0 {
		homeDelay = DefaultHomeDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		backend:       cfg.Backend,
		store:         cfg.Store,
		resolver:      resolver,
		model:         model,
		navigator:     navigator,
		completeDelay: completeDelay,
		homeDelay:     homeDelay,
		logger:        logger,
		timers:        schedule.NewGroup(),
	}, nil
}

// Submit resolves raw scanner or keyboard input and submits the booth code.
// Unrecognized input is rejected locally with payload.ErrInvalidPayload.
func (o *Orchestrator) Submit(ctx context.Context, raw string) (Outcome, error) {
	code, err := o.resolver.Resolve(raw)
	if err != nil {
		o.logger.Info("scan payload rejected", zap.Error(err))
		return Outcome{}, err
	}
	return o.SubmitScan(ctx, code)
}

// SubmitScan records a visit for the stored participant, or for a new one.
func (o *Orchestrator) SubmitScan(ctx context.Context, code payload.BoothCode) (Outcome, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return Outcome{}, ErrScanInProgress
	}
	defer o.busy.Store(false)

	participantID, _, err := o.store.ParticipantID(ctx)
	if err != nil {
		o.logError(opSubmitScan, "store_read_failed", err)
		return Outcome{}, newServiceError(opSubmitScan, "store_read_failed", err)
	}
	cached, _, err := o.store.Snapshot(ctx)
	if err != nil {
		o.logError(opSubmitScan, "store_read_failed", err)
		return Outcome{}, newServiceError(opSubmitScan, "store_read_failed", err)
	}

	result, err := o.backend.Scan(ctx, backend.ScanRequest{ParticipantID: participantID, BoothCode: code.String()})
	if err != nil {
		return o.classifyFailure(ctx, code, participantID, cached, err)
	}

	fresh := identity.Snapshot{
		ID:          result.ParticipantID,
		StampCount:  result.StampCount,
		IsCompleted: result.IsCompleted,
		CompletedAt: result.CompletedAt,
	}
	stored, err := o.remember(ctx, participantID, cached, fresh)
	if err != nil {
		return Outcome{}, err
	}

	alreadyCompleted := cached.ID == stored.ID && cached.IsCompleted
	outcome := Outcome{
		Kind:           OutcomeRecorded,
		BoothCode:      code,
		BoothName:      result.BoothName,
		Message:        fallback(result.Message, messageRecordedFallback),
		Participant:    stored,
		Progress:       o.model.FromScan(result),
		NewParticipant: result.IsNewParticipant,
		JustCompleted:  result.IsCompleted && !alreadyCompleted,
		Next:           RouteHome,
	}
	if outcome.JustCompleted {
		outcome.Next = RouteComplete
		o.navigate(RouteComplete, o.completeDelay)
	} else {
		o.navigate(RouteHome, o.homeDelay)
	}

	o.logger.Info("stamp recorded",
		zap.String("booth_code", code.String()),
		zap.String("participant_id", stored.ID),
		zap.Int("stamp_count", stored.StampCount),
		zap.Bool("just_completed", outcome.JustCompleted))
	return outcome, nil
}

func (o *Orchestrator) classifyFailure(ctx context.Context, code payload.BoothCode, participantID string, cached identity.Snapshot, cause error) (Outcome, error) {
	var apiErr *backend.APIError
	if !errors.As(cause, &apiErr) {
		o.logError(opSubmitScan, "transport_failed", cause, zap.String("booth_code", code.String()))
		return Outcome{}, newServiceError(opSubmitScan, "transport_failed", fmt.Errorf("%w: %v", ErrTransportFailure, cause))
	}

	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		o.logger.Info("booth rejected by backend", zap.String("booth_code", code.String()))
		return Outcome{
			Kind:      OutcomeRejected,
			BoothCode: code,
			Message:   fallback(apiErr.Message, messageRejected),
			Next:      RouteStay,
		}, nil

	case apiErr.StatusCode == http.StatusBadRequest && apiErr.HasData():
		var duplicate backend.ScanResult
		if err := apiErr.DecodeData(&duplicate); err != nil {
			o.logError(opSubmitScan, "duplicate_decode_failed", err, zap.String("booth_code", code.String()))
			return Outcome{}, newServiceError(opSubmitScan, "duplicate_decode_failed", fmt.Errorf("%w: %v", ErrTransportFailure, err))
		}
		if duplicate.ParticipantID == "" {
			duplicate.ParticipantID = participantID
		}

		stored := identity.Snapshot{
			ID:          duplicate.ParticipantID,
			StampCount:  duplicate.StampCount,
			IsCompleted: duplicate.IsCompleted,
			CompletedAt: duplicate.CompletedAt,
		}
		if stored.ID != "" {
			var err error
			stored, err = o.remember(ctx, participantID, cached, stored)
			if err != nil {
				return Outcome{}, err
			}
		}
		o.logger.Info("duplicate visit",
			zap.String("booth_code", code.String()),
			zap.Int("stamp_count", stored.StampCount))
		return Outcome{
			Kind:        OutcomeDuplicate,
			BoothCode:   code,
			BoothName:   duplicate.BoothName,
			Message:     fallback(apiErr.Message, messageDuplicate),
			Participant: stored,
			Progress:    o.model.FromScan(backend.ScanResult{StampCount: stored.StampCount, IsCompleted: stored.IsCompleted}),
			Next:        RouteStay,
		}, nil
	}

	o.logError(opSubmitScan, "backend_failed", apiErr,
		zap.String("booth_code", code.String()),
		zap.Int("status", apiErr.StatusCode))
	return Outcome{}, newServiceError(opSubmitScan, "backend_failed", fmt.Errorf("%w: %s", ErrTransportFailure, fallback(apiErr.Message, messageUnavailable)))
}

// remember writes the identifier and the merged snapshot. When the backend
// answered for a different participant than the one sent, the stored identity
// was stale and is replaced.
func (o *Orchestrator) remember(ctx context.Context, sentID string, cached, fresh identity.Snapshot) (identity.Snapshot, error) {
	if sentID != "" && fresh.ID != sentID {
		o.logger.Warn("replacing stale participant identity",
			zap.String("stale_participant_id", sentID),
			zap.String("participant_id", fresh.ID))
		if err := o.store.Clear(ctx); err != nil {
			o.logError(opSubmitScan, "store_clear_failed", err)
			return identity.Snapshot{}, newServiceError(opSubmitScan, "store_clear_failed", err)
		}
		cached = identity.Snapshot{}
	}
	if sentID == "" || fresh.ID != sentID {
		if err := o.store.SetParticipantID(ctx, fresh.ID); err != nil {
			o.logError(opSubmitScan, "store_write_failed", err)
			return identity.Snapshot{}, newServiceError(opSubmitScan, "store_write_failed", err)
		}
	}

	merged := progress.Merge(cached, fresh)
	if err := o.store.SetSnapshot(ctx, merged); err != nil {
		o.logError(opSubmitScan, "store_write_failed", err)
		return identity.Snapshot{}, newServiceError(opSubmitScan, "store_write_failed", err)
	}
	stored, _, err := o.store.Snapshot(ctx)
	if err != nil {
		o.logError(opSubmitScan, "store_read_failed", err)
		return identity.Snapshot{}, newServiceError(opSubmitScan, "store_read_failed", err)
	}
	return stored, nil
}

func (o *Orchestrator) navigate(route Route, delay time.Duration) {
	o.navMu.Lock()
	defer o.navMu.Unlock()
	o.navigation.Cancel()
	o.navigation = o.timers.After(delay, func() {
		o.navigator.Navigate(route)
	})
}

// CancelNavigation drops a pending route change, if any.
func (o *Orchestrator) CancelNavigation() bool {
	o.navMu.Lock()
	defer o.navMu.Unlock()
	cancelled := o.navigation.Cancel()
	o.navigation = nil
	return cancelled
}

// Close tears the view down: pending navigations never fire afterwards.
func (o *Orchestrator) Close() {
	o.timers.Close()
}

func fallback(message, generic string) string {
	if message == "" {
		return generic
	}
	return message
}
