// Package report turns the statistics documents of the backend into
// view-ready structures for the admin surfaces.
package report

import (
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
)

// RankedBooth is one row of the popularity ranking.
type RankedBooth struct {
	Rank             int    `json:"rank"`
	Code             string `json:"booth_code"`
	Name             string `json:"booth_name"`
	ParticipantCount int    `json:"participant_count"`
}

// RankBooths orders booths by participant count, highest first. Ties keep the
// order the backend listed them in; the rank is the 1-based position.
func RankBooths(statistics []backend.BoothStatistic) []RankedBooth {
	ranked := make([]RankedBooth, 0, len(statistics))
	for _, booth := range statistics {
		ranked = append(ranked, RankedBooth{
			Code:             strings.ToLower(strings.TrimSpace(booth.BoothCode)),
			Name:             booth.BoothName,
			ParticipantCount: booth.ParticipantCount,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ParticipantCount > ranked[j].ParticipantCount
	})
	for index := range ranked {
		ranked[index].Rank = index + 1
	}
	return ranked
}

// TopBooths returns at most limit ranked booths.
func TopBooths(ranked []RankedBooth, limit int) []RankedBooth {
	if limit <= 0 || limit >= len(ranked) {
		return ranked
	}
	return ranked[:limit]
}

// HourlyBar is one hour bucket scaled for a bar chart.
type HourlyBar struct {
	Hour              string  `json:"hour"`
	NewParticipants   int     `json:"new_participants"`
	StampsCollected   int     `json:"stamps_collected"`
	ParticipantsRatio float64 `json:"participants_ratio"`
	StampsRatio       float64 `json:"stamps_ratio"`
}

// NormalizeHourly scales every bucket against the maxima of the whole series
// and keeps the most recent window buckets, newest first. A window of zero or
// less keeps every bucket.
func NormalizeHourly(series []backend.HourlyStatistic, window int) []HourlyBar {
	maxParticipants, maxStamps := 0, 0
	for _, bucket := range series {
		maxParticipants = max(maxParticipants, bucket.NewParticipants)
		maxStamps = max(maxStamps, bucket.StampsCollected)
	}

	visible := series
	if window > 0 && window < len(series) {
		visible = series[len(series)-window:]
	}

	bars := make([]HourlyBar, 0, len(visible))
	for index := len(visible) - 1; index >= 0; index-- {
		bucket := visible[index]
		bars = append(bars, HourlyBar{
			Hour:              bucket.Hour,
			NewParticipants:   bucket.NewParticipants,
			StampsCollected:   bucket.StampsCollected,
			ParticipantsRatio: ratio(bucket.NewParticipants, maxParticipants),
			StampsRatio:       ratio(bucket.StampsCollected, maxStamps),
		})
	}
	return bars
}

func ratio(value, maximum int) float64 {
	if maximum <= 0 {
		return 0
	}
	return float64(value) / float64(maximum)
}

// Summary holds the headline numbers of the statistics view.
type Summary struct {
	TotalParticipants     int     `json:"total_participants"`
	CompletedParticipants int     `json:"completed_participants"`
	CompletionRate        float64 `json:"completion_rate"`
	GiftEligibleCount     int     `json:"gift_eligible_count"`
}

// Summarize derives the completion rate, rounded to one decimal, and the gift
// count from the participant totals.
func Summarize(total, completed int) Summary {
	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(completed)/float64(total)*1000) / 10
	}
	return Summary{
		TotalParticipants:     total,
		CompletedParticipants: completed,
		CompletionRate:        rate,
		GiftEligibleCount:     completed,
	}
}

// StatisticsView is everything the statistics screen renders.
type StatisticsView struct {
	Summary Summary       `json:"summary"`
	Booths  []RankedBooth `json:"booths"`
	Hourly  []HourlyBar   `json:"hourly"`
}

// BuildStatisticsView assembles the statistics screen from one fetch.
func BuildStatisticsView(statistics backend.AdminStatistics, topBooths, hourlyWindow int) StatisticsView {
	return StatisticsView{
		Summary: Summarize(statistics.Summary.TotalParticipants, statistics.Summary.CompletedParticipants),
		Booths:  TopBooths(RankBooths(statistics.BoothStatistics), topBooths),
		Hourly:  NormalizeHourly(statistics.HourlyStatistics, hourlyWindow),
	}
}
