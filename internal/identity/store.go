package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("identity: database connection required")
	// ErrInvalidParticipantID indicates an empty identifier was offered for storage.
	ErrInvalidParticipantID = errors.New("identity: invalid participant id")
)

// StoreConfig describes the dependencies of the identity store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists the participant identifier and the cached progress snapshot.
// Reads never reach the backend; writes are visible to the next read.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore constructs the identity store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, now: clock, logger: logger}, nil
}

// ParticipantID returns the stored identifier; ok is false for a first-time visitor.
func (s *Store) ParticipantID(ctx context.Context) (string, bool, error) {
	value, ok, err := s.get(ctx, ParticipantIDKey)
	if err != nil || !ok {
		return "", false, err
	}
	participantID := normalize(value)
	if participantID == "" {
		return "", false, nil
	}
	return participantID, true, nil
}

// SetParticipantID stores the identifier issued by the backend.
func (s *Store) SetParticipantID(ctx context.Context, participantID string) error {
	participantID = normalize(participantID)
	if participantID == "" {
		return ErrInvalidParticipantID
	}
	return s.put(ctx, ParticipantIDKey, participantID)
}

// Snapshot returns the cached participant snapshot. A corrupt payload is logged
// and reported as absent rather than failing the caller.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, bool, error) {
	value, ok, err := s.get(ctx, ParticipantDataKey)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
		s.logger.Warn("discarding unreadable participant snapshot", zap.Error(err))
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// SetSnapshot overwrites the cached participant snapshot.
func (s *Store) SetSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now().UTC()
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("identity: encode snapshot: %w", err)
	}
	return s.put(ctx, ParticipantDataKey, string(encoded))
}

// Clear removes both the identifier and the cached snapshot.
func (s *Store) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("entry_key IN ?", []string{ParticipantIDKey, ParticipantDataKey}).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("identity: clear: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("identity: read %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	entry := Entry{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("identity: write %s: %w", key, err)
	}
	return nil
}
