package progress

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
)

// DefaultThreshold is the number of distinct booths a visitor must stamp.
const DefaultThreshold = 5

// ErrInvalidThreshold indicates a non-positive completion threshold.
var ErrInvalidThreshold = errors.New("progress: threshold must be positive")

// Snapshot is the normalized progress of one participant.
type Snapshot struct {
	// Visited holds canonical booth codes in the order the backend listed them.
	Visited []string
	// VisitedKnown is false when the backend exposed neither progress shape.
	VisitedKnown bool
	StampCount   int
	Remaining    int
	Percentage   float64
	IsCompleted  bool
}

// HasVisited reports whether code is in the visited set.
func (s Snapshot) HasVisited(code string) bool {
	code = canonical(code)
	for _, visited := range s.Visited {
		if visited == code {
			return true
		}
	}
	return false
}

// BoothStatus is one row of the booth list view.
type BoothStatus struct {
	Code      string
	Name      string
	Visited   bool
	StampedAt *time.Time
}

// Model derives snapshots relative to a fixed completion threshold.
type Model struct {
	threshold int
}

// NewModel constructs a Model; the threshold is independent of catalog size.
func NewModel(threshold int) (*Model, error) {
	if threshold <= 0 {
		return nil, ErrInvalidThreshold
	}
	return &Model{threshold: threshold}, nil
}

// Threshold returns the completion threshold.
func (m *Model) Threshold() int {
	return m.threshold
}

// Compute normalizes the stats document. A non-empty visited_booths list wins;
// otherwise next_booths is complemented against the active catalog. The server
// percentage/remaining pair is kept only when its stamp count agrees with the
// derived one, so every field of the snapshot describes the same count.
func (m *Model) Compute(stats backend.ParticipantStats, catalog []backend.Booth) Snapshot {
	var (
		visited []string
		known   bool
	)
	switch {
	case len(stats.VisitedBooths) > 0:
		codes := make([]string, 0, len(stats.VisitedBooths))
		for _, entry := range stats.VisitedBooths {
			codes = append(codes, entry.Booth.Code)
		}
		visited, known = dedupe(codes), true
	case stats.VisitedBooths != nil && stats.StampCount == 0:
		// An explicit empty list agrees with the count; next_booths is only a
		// short recommendation list in that case.
		visited, known = []string{}, true
	case stats.NextBooths != nil && len(catalog) > 0:
		visited, known = complement(catalog, stats.NextBooths), true
	}

	stampCount := stats.StampCount
	if known {
		stampCount = len(visited)
	}

	snapshot := m.derive(stampCount, stats.IsCompleted)
	snapshot.Visited = visited
	snapshot.VisitedKnown = known
	snapshot.applyServerPair(stats.StampCount, stats.ProgressPercentage, stats.RemainingStamps)
	return snapshot
}

// FromScan derives a snapshot from a scan response; the visited set is unknown.
func (m *Model) FromScan(result backend.ScanResult) Snapshot {
	return m.derive(result.StampCount, result.IsCompleted)
}

// FromDetail derives a snapshot from the participant detail document.
func (m *Model) FromDetail(detail backend.ParticipantDetail) Snapshot {
	codes := make([]string, 0, len(detail.AllBooths))
	for _, booth := range detail.AllBooths {
		if booth.Visited {
			codes = append(codes, booth.Code)
		}
	}
	if len(codes) == 0 {
		for _, entry := range detail.VisitedBooths {
			codes = append(codes, entry.Booth.Code)
		}
	}
	visited := dedupe(codes)

	snapshot := m.derive(len(visited), detail.IsCompleted)
	snapshot.Visited = visited
	snapshot.VisitedKnown = true
	snapshot.applyServerPair(detail.StampCount, detail.ProgressPercentage, detail.RemainingStamps)
	return snapshot
}

// CompletionTime returns the stamp time of the visit that reached the
// threshold, or nil when fewer distinct visits are listed.
func (m *Model) CompletionTime(visits []backend.VisitedBooth) *time.Time {
	seen := make(map[string]struct{}, len(visits))
	stampedAt := make([]time.Time, 0, len(visits))
	for _, entry := range visits {
		code := canonical(entry.Booth.Code)
		if code == "" || entry.StampedAt.IsZero() {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		stampedAt = append(stampedAt, entry.StampedAt)
	}
	if len(stampedAt) < m.threshold {
		return nil
	}
	sort.Slice(stampedAt, func(i, j int) bool { return stampedAt[i].Before(stampedAt[j]) })
	completedAt := stampedAt[m.threshold-1]
	return &completedAt
}

// BoothStatuses projects the detail document into the booth list view.
func (m *Model) BoothStatuses(detail backend.ParticipantDetail) []BoothStatus {
	statuses := make([]BoothStatus, 0, len(detail.AllBooths))
	for _, booth := range detail.AllBooths {
		statuses = append(statuses, BoothStatus{
			Code:      canonical(booth.Code),
			Name:      booth.Name,
			Visited:   booth.Visited,
			StampedAt: booth.StampedAt,
		})
	}
	return statuses
}

func (m *Model) derive(stampCount int, serverCompleted bool) Snapshot {
	stampCount = max(0, stampCount)
	return Snapshot{
		StampCount:  stampCount,
		Remaining:   max(0, m.threshold-stampCount),
		Percentage:  clamp(100*float64(stampCount)/float64(m.threshold), 0, 100),
		IsCompleted: serverCompleted || stampCount >= m.threshold,
	}
}

// applyServerPair replaces the local percentage and remaining values with the
// server's, but only as a pair and only for the count the snapshot carries.
func (s *Snapshot) applyServerPair(serverCount int, percentage *float64, remaining *int) {
	if percentage == nil || remaining == nil || serverCount != s.StampCount {
		return
	}
	s.Percentage = clamp(*percentage, 0, 100)
	s.Remaining = max(0, *remaining)
}

// Merge reconciles a cached identity snapshot with a fresher one for routing.
// For the same participant the count never decreases and completion is sticky;
// a different participant replaces the cache outright.
func Merge(cached, fresh identity.Snapshot) identity.Snapshot {
	if cached.ID == "" || cached.ID != fresh.ID {
		return fresh
	}
	merged := fresh
	if cached.StampCount > merged.StampCount {
		merged.StampCount = cached.StampCount
	}
	if cached.IsCompleted {
		merged.IsCompleted = true
		if cached.CompletedAt != nil {
			merged.CompletedAt = cached.CompletedAt
		}
	}
	if !cached.CreatedAt.IsZero() {
		merged.CreatedAt = cached.CreatedAt
	}
	return merged
}

func complement(catalog, next []backend.Booth) []string {
	unvisited := make(map[string]struct{}, len(next))
	for _, booth := range next {
		unvisited[canonical(booth.Code)] = struct{}{}
	}
	visited := make([]string, 0, len(catalog))
	for _, booth := range catalog {
		if !booth.IsActive {
			continue
		}
		if _, skip := unvisited[canonical(booth.Code)]; skip {
			continue
		}
		visited = append(visited, booth.Code)
	}
	return dedupe(visited)
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	result := make([]string, 0, len(codes))
	for _, code := range codes {
		code = canonical(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		result = append(result, code)
	}
	return result
}

func canonical(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
