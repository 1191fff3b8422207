package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
)

const (
	shortIDLength       = 8
	completionLayout    = "2006-01-02 15:04"
	unknownValue        = "unknown"
	visitedCodeJoiner   = ";"
	giftCSVFilenameDate = "2006-01-02"
)

var giftCSVHeader = []string{"participant_id", "completed_at", "stamp_count", "duration", "visited_booths"}

// IsGiftEligible reports whether the participant completed the tour. Rows
// without an explicit completion flag qualify through their completion time.
func IsGiftEligible(participant backend.GiftParticipant) bool {
	if participant.IsCompleted != nil {
		return *participant.IsCompleted
	}
	return participant.CompletedAt != nil
}

// FilterGiftEligible keeps completed participants, dropping those who already
// collected the souvenir unless includeReceived is set. The input is the
// already fetched list; no backend call is involved.
func FilterGiftEligible(participants []backend.GiftParticipant, includeReceived bool) []backend.GiftParticipant {
	filtered := make([]backend.GiftParticipant, 0, len(participants))
	for _, participant := range participants {
		if !IsGiftEligible(participant) {
			continue
		}
		if participant.GiftReceived && !includeReceived {
			continue
		}
		filtered = append(filtered, participant)
	}
	return filtered
}

// CountReceived reports how many eligible participants collected the souvenir.
func CountReceived(participants []backend.GiftParticipant) int {
	received := 0
	for _, participant := range participants {
		if IsGiftEligible(participant) && participant.GiftReceived {
			received++
		}
	}
	return received
}

// ShortID returns the last eight characters of a participant identifier.
func ShortID(participantID string) string {
	runes := []rune(participantID)
	if len(runes) <= shortIDLength {
		return participantID
	}
	return string(runes[len(runes)-shortIDLength:])
}

// FormatDuration renders a completion duration given in whole minutes.
func FormatDuration(minutes *int) string {
	if minutes == nil || *minutes <= 0 {
		return unknownValue
	}
	if *minutes < 60 {
		return fmt.Sprintf("%dm", *minutes)
	}
	return fmt.Sprintf("%dh %dm", *minutes/60, *minutes%60)
}

// ExportGiftCSV renders the gift list. Every field is quoted and rows end with
// a newline, so the same input always produces the same bytes.
func ExportGiftCSV(participants []backend.GiftParticipant, location *time.Location) []byte {
	if location == nil {
		location = time.UTC
	}

	var builder strings.Builder
	writeCSVRow(&builder, giftCSVHeader)
	for _, participant := range participants {
		completedAt := unknownValue
		if participant.CompletedAt != nil {
			completedAt = participant.CompletedAt.In(location).Format(completionLayout)
		}
		codes := make([]string, 0, len(participant.VisitedBooths))
		for _, visit := range participant.VisitedBooths {
			codes = append(codes, visit.BoothCode)
		}
		writeCSVRow(&builder, []string{
			ShortID(participant.ParticipantID),
			completedAt,
			strconv.Itoa(participant.StampCount),
			FormatDuration(participant.CompletionDuration),
			strings.Join(codes, visitedCodeJoiner),
		})
	}
	return []byte(builder.String())
}

// GiftCSVFilename names the export after the day it was produced.
func GiftCSVFilename(now time.Time) string {
	return fmt.Sprintf("gift_eligible_%s.csv", now.Format(giftCSVFilenameDate))
}

func writeCSVRow(builder *strings.Builder, fields []string) {
	for index, field := range fields {
		if index > 0 {
			builder.WriteByte(',')
		}
		builder.WriteByte('"')
		builder.WriteString(strings.ReplaceAll(field, `"`, `""`))
		builder.WriteByte('"')
	}
	builder.WriteByte('\n')
}
