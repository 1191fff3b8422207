package tour

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	"github.com/MarcoPoloResearchLab/stamptour/internal/progress"
	"go.uber.org/zap"
)

// Progress is the home view state after a cold load.
type Progress struct {
	ParticipantID string
	// Stale is set when a stored identity was discarded during this load.
	Stale       bool
	Cached      identity.Snapshot
	Snapshot    progress.Snapshot
	Catalog     []backend.Booth
	Recommended []backend.Booth
}

// HasParticipant reports whether the visitor has collected at least one stamp.
func (p Progress) HasParticipant() bool {
	return p.ParticipantID != ""
}

// LoadProgress reads the stored identity and refreshes it from the backend.
// A participant the backend no longer knows is cleared and the visitor starts
// over. On transport failures the cached snapshot is returned with the error.
func (o *Orchestrator) LoadProgress(ctx context.Context) (Progress, error) {
	participantID, ok, err := o.store.ParticipantID(ctx)
	if err != nil {
		o.logError(opLoadProgress, "store_read_failed", err)
		return Progress{}, newServiceError(opLoadProgress, "store_read_failed", err)
	}
	catalog := o.catalog(ctx)
	if !ok {
		return Progress{Catalog: catalog, Snapshot: o.model.FromScan(backend.ScanResult{})}, nil
	}

	cached, _, err := o.store.Snapshot(ctx)
	if err != nil {
		o.logError(opLoadProgress, "store_read_failed", err)
		return Progress{}, newServiceError(opLoadProgress, "store_read_failed", err)
	}

	stats, err := o.backend.ParticipantStats(ctx, participantID)
	if err != nil {
		if backend.StatusCode(err) == http.StatusNotFound {
			return o.discardStale(ctx, opLoadProgress, participantID, catalog)
		}
		o.logError(opLoadProgress, "stats_failed", err, zap.String("participant_id", participantID))
		cachedProgress := Progress{
			ParticipantID: participantID,
			Cached:        cached,
			Catalog:       catalog,
			Snapshot:      o.model.FromScan(backend.ScanResult{StampCount: cached.StampCount, IsCompleted: cached.IsCompleted}),
		}
		return cachedProgress, newServiceError(opLoadProgress, "stats_failed", fmt.Errorf("%w: %v", ErrTransportFailure, err))
	}

	snapshot := o.model.Compute(stats, catalog)
	merged := progress.Merge(cached, identity.Snapshot{
		ID:          participantID,
		StampCount:  snapshot.StampCount,
		IsCompleted: snapshot.IsCompleted,
		CompletedAt: o.completionTime(ctx, participantID, cached, snapshot, stats),
	})
	if err := o.store.SetSnapshot(ctx, merged); err != nil {
		o.logError(opLoadProgress, "store_write_failed", err)
		return Progress{}, newServiceError(opLoadProgress, "store_write_failed", err)
	}

	recommended := stats.NextBooths
	if recommended == nil {
		recommended = []backend.Booth{}
	}
	return Progress{
		ParticipantID: participantID,
		Cached:        merged,
		Snapshot:      snapshot,
		Catalog:       catalog,
		Recommended:   recommended,
	}, nil
}

// completionTime recovers when the tour was completed for a participant whose
// cached snapshot carries no completion time, e.g. after a lost scan response.
// It is best effort and returns nil when the visits cannot be listed.
func (o *Orchestrator) completionTime(ctx context.Context, participantID string, cached identity.Snapshot, snapshot progress.Snapshot, stats backend.ParticipantStats) *time.Time {
	if !snapshot.IsCompleted || (cached.ID == participantID && cached.CompletedAt != nil) {
		return nil
	}
	if stats.CompletedAt != nil {
		return stats.CompletedAt
	}
	visits := stats.VisitedBooths
	if len(visits) < o.model.Threshold() {
		detail, err := o.backend.ParticipantDetail(ctx, participantID)
		if err != nil {
			o.logger.Warn("completion time unavailable",
				zap.String("participant_id", participantID),
				zap.Error(err))
			return nil
		}
		visits = detail.VisitedBooths
	}
	return o.model.CompletionTime(visits)
}

// BoothList returns every active booth with the visitor's visit status.
func (o *Orchestrator) BoothList(ctx context.Context) ([]progress.BoothStatus, error) {
	participantID, ok, err := o.store.ParticipantID(ctx)
	if err != nil {
		o.logError(opBoothList, "store_read_failed", err)
		return nil, newServiceError(opBoothList, "store_read_failed", err)
	}
	if ok {
		detail, err := o.backend.ParticipantDetail(ctx, participantID)
		switch {
		case err == nil:
			return o.model.BoothStatuses(detail), nil
		case backend.StatusCode(err) == http.StatusNotFound:
			if _, err := o.discardStale(ctx, opBoothList, participantID, nil); err != nil {
				return nil, err
			}
		default:
			o.logError(opBoothList, "detail_failed", err, zap.String("participant_id", participantID))
			return nil, newServiceError(opBoothList, "detail_failed", fmt.Errorf("%w: %v", ErrTransportFailure, err))
		}
	}

	booths, err := o.backend.Booths(ctx)
	if err != nil {
		o.logError(opBoothList, "catalog_failed", err)
		return nil, newServiceError(opBoothList, "catalog_failed", fmt.Errorf("%w: %v", ErrTransportFailure, err))
	}
	statuses := make([]progress.BoothStatus, 0, len(booths))
	for _, booth := range booths {
		if !booth.IsActive {
			continue
		}
		statuses = append(statuses, progress.BoothStatus{Code: booth.Code, Name: booth.Name})
	}
	return statuses, nil
}

// Reset forgets the local participant so the next scan starts a new tour.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.CancelNavigation()
	if err := o.store.Clear(ctx); err != nil {
		o.logError(opReset, "store_clear_failed", err)
		return newServiceError(opReset, "store_clear_failed", err)
	}
	o.logger.Info("participant identity reset")
	return nil
}

func (o *Orchestrator) discardStale(ctx context.Context, operation, participantID string, catalog []backend.Booth) (Progress, error) {
	o.logger.Warn("discarding stale participant identity",
		zap.String("operation", operation),
		zap.String("participant_id", participantID),
		zap.Error(ErrStaleLocalIdentity))
	if err := o.store.Clear(ctx); err != nil {
		o.logError(operation, "store_clear_failed", err)
		return Progress{}, newServiceError(operation, "store_clear_failed", err)
	}
	return Progress{Stale: true, Catalog: catalog, Snapshot: o.model.FromScan(backend.ScanResult{})}, nil
}

// catalog is best effort: the complement shape needs it, the visited list does not.
func (o *Orchestrator) catalog(ctx context.Context) []backend.Booth {
	booths, err := o.backend.Booths(ctx)
	if err != nil {
		o.logger.Warn("booth catalog unavailable", zap.Error(err))
		return nil
	}
	return booths
}
