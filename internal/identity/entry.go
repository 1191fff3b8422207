package identity

import (
	"strings"
	"time"
)

const (
	// ParticipantIDKey holds the server-issued participant identifier.
	ParticipantIDKey = "qr_stamp_participant_id"
	// ParticipantDataKey holds the JSON snapshot of the last known stamp state.
	ParticipantDataKey = "qr_stamp_participant_data"
)

// Entry is one durable key/value pair of the local identity store.
type Entry struct {
	Key       string    `gorm:"column:entry_key;primaryKey;size:64;not null"`
	Value     string    `gorm:"column:entry_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing identity entries.
func (Entry) TableName() string {
	return "identity_entries"
}

// Snapshot mirrors the cached participant state persisted under ParticipantDataKey.
type Snapshot struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	StampCount  int        `json:"stamp_count"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
