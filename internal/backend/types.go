package backend

import (
	"encoding/json"
	"time"
)

// envelope is the wrapper every backend endpoint responds with.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// Booth is a catalog entry.
type Booth struct {
	ID               int64  `json:"id"`
	Code             string `json:"code"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	IsActive         bool   `json:"is_active"`
	ParticipantCount int    `json:"participant_count"`
}

// VisitedBooth is one recorded visit as reported by the participant endpoints.
type VisitedBooth struct {
	Booth     Booth     `json:"booth"`
	StampedAt time.Time `json:"stamped_at"`
}

// ScanRequest is the body of POST /scan/.
type ScanRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
	BoothCode     string `json:"booth_code"`
}

// ScanResult is the participant state returned by a scan, including the
// duplicate-visit rejection.
type ScanResult struct {
	ParticipantID    string     `json:"participant_id"`
	BoothName        string     `json:"booth_name"`
	StampCount       int        `json:"stamp_count"`
	IsCompleted      bool       `json:"is_completed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	IsNewParticipant bool       `json:"is_new_participant"`

	// Message is the human-facing text of the envelope.
	Message string `json:"-"`
}

// ParticipantStats is the progress document. NextBooths is nil when the
// backend omitted the field and empty when every booth was visited.
type ParticipantStats struct {
	ID                 string         `json:"id"`
	StampCount         int            `json:"stamp_count"`
	IsCompleted        bool           `json:"is_completed"`
	ProgressPercentage *float64       `json:"progress_percentage,omitempty"`
	RemainingStamps    *int           `json:"remaining_stamps,omitempty"`
	NextBooths         []Booth        `json:"next_booths"`
	VisitedBooths      []VisitedBooth `json:"visited_booths,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// BoothStatus is a catalog entry annotated with the participant's visit.
type BoothStatus struct {
	Booth
	Visited   bool       `json:"visited"`
	StampedAt *time.Time `json:"stamped_at,omitempty"`
}

// ParticipantDetail extends the stats document with the whole active catalog.
type ParticipantDetail struct {
	ID                 string         `json:"id"`
	StampCount         int            `json:"stamp_count"`
	IsCompleted        bool           `json:"is_completed"`
	ProgressPercentage *float64       `json:"progress_percentage,omitempty"`
	RemainingStamps    *int           `json:"remaining_stamps,omitempty"`
	VisitedBooths      []VisitedBooth `json:"visited_booths"`
	AllBooths          []BoothStatus  `json:"all_booths"`
}

// StatisticsSummary carries the headline numbers of the admin statistics.
type StatisticsSummary struct {
	TotalParticipants     int     `json:"total_participants"`
	CompletedParticipants int     `json:"completed_participants"`
	CompletionRate        float64 `json:"completion_rate"`
	GiftEligibleCount     int     `json:"gift_eligible_count"`
}

// BoothStatistic is the per-booth participation count.
type BoothStatistic struct {
	BoothCode        string `json:"booth_code"`
	BoothName        string `json:"booth_name"`
	ParticipantCount int    `json:"participant_count"`
	PopularityRank   int    `json:"popularity_rank"`
}

// HourlyStatistic is one hour bucket, labelled "HH:00".
type HourlyStatistic struct {
	Hour            string `json:"hour"`
	NewParticipants int    `json:"new_participants"`
	StampsCollected int    `json:"stamps_collected"`
}

// AdminStatistics is the aggregate document behind the statistics view.
type AdminStatistics struct {
	Summary          StatisticsSummary `json:"summary"`
	BoothStatistics  []BoothStatistic  `json:"booth_statistics"`
	HourlyStatistics []HourlyStatistic `json:"hourly_statistics"`
}

// GiftVisit is a visit listed on a gift-eligible participant.
type GiftVisit struct {
	BoothCode string    `json:"booth_code"`
	BoothName string    `json:"booth_name"`
	StampedAt time.Time `json:"stamped_at"`
}

// GiftParticipant is one row of the gift-eligible list. CompletionDuration is
// in whole minutes. IsCompleted is only present on backends that list every
// participant instead of pre-filtering.
type GiftParticipant struct {
	ParticipantID      string      `json:"participant_id"`
	CompletedAt        *time.Time  `json:"completed_at"`
	StampCount         int         `json:"stamp_count"`
	VisitedBooths      []GiftVisit `json:"visited_booths"`
	CompletionDuration *int        `json:"completion_duration"`
	IsCompleted        *bool       `json:"is_completed,omitempty"`
	GiftReceived       bool        `json:"gift_received,omitempty"`
}

// GiftEligibleList is the gift-eligible document.
type GiftEligibleList struct {
	TotalEligible int               `json:"total_eligible"`
	Participants  []GiftParticipant `json:"participants"`
}

// HealthStatistics are the counts reported by the health check.
type HealthStatistics struct {
	TotalParticipants    int `json:"total_participants"`
	ActiveBooths         int `json:"active_booths"`
	TotalStampsCollected int `json:"total_stamps_collected"`
}

// Health is the system health document.
type Health struct {
	Status         string           `json:"status"`
	Database       string           `json:"database"`
	ResponseTimeMS float64          `json:"response_time_ms"`
	Statistics     HealthStatistics `json:"statistics"`
	Timestamp      time.Time        `json:"timestamp"`
}

// ManagedBooth is a booth as the management endpoints list it, inactive booths included.
type ManagedBooth struct {
	Booth
	CreatedAt time.Time `json:"created_at"`
}

// BoothDraft is the request body that creates a booth. The backend treats a
// nil IsActive as active.
type BoothDraft struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// BoothPatch updates the fields that are set and keeps the rest.
type BoothPatch struct {
	Code        *string `json:"code,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

const (
	// BoothDeleted means the booth had no visits and was removed.
	BoothDeleted = "deleted"
	// BoothDeactivated means the booth had visits and was only switched off.
	BoothDeactivated = "deactivated"
)

// BoothRemoval reports what a delete request did.
type BoothRemoval struct {
	Action           string `json:"action"`
	BoothCode        string `json:"booth_code"`
	ParticipantCount int    `json:"participant_count,omitempty"`
}
