package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func festivalCatalog() []backend.Booth {
	booths := make([]backend.Booth, 0, 17)
	for _, prefix := range []string{"art", "folk", "life"} {
		limit := 6
		if prefix == "life" {
			limit = 5
		}
		for index := 1; index <= limit; index++ {
			booths = append(booths, backend.Booth{
				ID:       int64(len(booths) + 1),
				Code:     fmt.Sprintf("%s%d", prefix, index),
				IsActive: true,
			})
		}
	}
	return booths
}

func newModel(t *testing.T) *Model {
	t.Helper()
	model, err := NewModel(DefaultThreshold)
	require.NoError(t, err)
	return model
}

func TestNewModelRejectsInvalidThreshold(t *testing.T) {
	_, err := NewModel(0)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestVisitedListAndComplementAgree(t *testing.T) {
	model := newModel(t)
	catalog := festivalCatalog()
	visitedCodes := map[string]bool{"art2": true, "folk1": true, "life5": true}

	direct := backend.ParticipantStats{StampCount: 3}
	viaComplement := backend.ParticipantStats{StampCount: 3, NextBooths: []backend.Booth{}}
	for _, booth := range catalog {
		if visitedCodes[booth.Code] {
			direct.VisitedBooths = append(direct.VisitedBooths, backend.VisitedBooth{Booth: booth})
			continue
		}
		viaComplement.NextBooths = append(viaComplement.NextBooths, booth)
	}

	fromList := model.Compute(direct, catalog)
	fromComplement := model.Compute(viaComplement, catalog)

	assert.ElementsMatch(t, fromList.Visited, fromComplement.Visited)
	assert.Equal(t, fromList.StampCount, fromComplement.StampCount)
	assert.Equal(t, 3, fromList.StampCount)
	assert.True(t, fromList.VisitedKnown)
	assert.True(t, fromComplement.VisitedKnown)
	assert.True(t, fromComplement.HasVisited("FOLK1"))
}

func TestVisitedListWinsOverNextBooths(t *testing.T) {
	model := newModel(t)
	catalog := festivalCatalog()
	stats := backend.ParticipantStats{
		StampCount:    1,
		VisitedBooths: []backend.VisitedBooth{{Booth: backend.Booth{Code: "ART1"}}},
		NextBooths:    catalog[5:8],
	}

	snapshot := model.Compute(stats, catalog)
	assert.Equal(t, []string{"art1"}, snapshot.Visited)
	assert.Equal(t, 1, snapshot.StampCount)
}

func TestComplementRequiresCatalog(t *testing.T) {
	model := newModel(t)
	stats := backend.ParticipantStats{StampCount: 2, NextBooths: festivalCatalog()[:3]}

	snapshot := model.Compute(stats, nil)
	assert.False(t, snapshot.VisitedKnown)
	assert.Empty(t, snapshot.Visited)
	assert.Equal(t, 2, snapshot.StampCount)
}

func TestEmptyVisitedListWithZeroCount(t *testing.T) {
	model := newModel(t)
	stats := backend.ParticipantStats{
		VisitedBooths: []backend.VisitedBooth{},
		NextBooths:    festivalCatalog()[:3],
	}

	snapshot := model.Compute(stats, festivalCatalog())
	assert.True(t, snapshot.VisitedKnown)
	assert.Empty(t, snapshot.Visited)
	assert.Equal(t, 0, snapshot.StampCount)
}

func TestComplementSkipsInactiveBooths(t *testing.T) {
	model := newModel(t)
	catalog := []backend.Booth{
		{Code: "art1", IsActive: true},
		{Code: "art2", IsActive: false},
		{Code: "art3", IsActive: true},
	}
	stats := backend.ParticipantStats{NextBooths: []backend.Booth{{Code: "art3"}}, StampCount: 1}

	snapshot := model.Compute(stats, catalog)
	assert.Equal(t, []string{"art1"}, snapshot.Visited)
}

func TestPercentageIsRelativeToThreshold(t *testing.T) {
	model := newModel(t)
	testCases := []struct {
		stampCount int
		percentage float64
		remaining  int
		completed  bool
	}{
		{stampCount: 0, percentage: 0, remaining: 5, completed: false},
		{stampCount: 1, percentage: 20, remaining: 4, completed: false},
		{stampCount: 4, percentage: 80, remaining: 1, completed: false},
		{stampCount: 5, percentage: 100, remaining: 0, completed: true},
		{stampCount: 17, percentage: 100, remaining: 0, completed: true},
	}

	for _, testCase := range testCases {
		t.Run(fmt.Sprintf("%d stamps", testCase.stampCount), func(t *testing.T) {
			snapshot := model.FromScan(backend.ScanResult{StampCount: testCase.stampCount})
			assert.InDelta(t, testCase.percentage, snapshot.Percentage, 0.0001)
			assert.Equal(t, testCase.remaining, snapshot.Remaining)
			assert.Equal(t, testCase.completed, snapshot.IsCompleted)
		})
	}
}

func TestServerProgressPairIsPreferred(t *testing.T) {
	model := newModel(t)
	percentage, remaining := 40.0, 3
	stats := backend.ParticipantStats{StampCount: 2, ProgressPercentage: &percentage, RemainingStamps: &remaining}

	snapshot := model.Compute(stats, nil)
	assert.InDelta(t, 40.0, snapshot.Percentage, 0.0001)
	assert.Equal(t, 3, snapshot.Remaining)

	onlyPercentage := backend.ParticipantStats{StampCount: 3, ProgressPercentage: &percentage}
	snapshot = model.Compute(onlyPercentage, nil)
	assert.InDelta(t, 60.0, snapshot.Percentage, 0.0001, "a partial server pair falls back to local values")
	assert.Equal(t, 2, snapshot.Remaining)
}

func TestServerProgressPairIgnoredWhenCountsDisagree(t *testing.T) {
	model := newModel(t)
	catalog := festivalCatalog()
	percentage, remaining := 40.0, 3
	stats := backend.ParticipantStats{
		StampCount:         2,
		ProgressPercentage: &percentage,
		RemainingStamps:    &remaining,
		NextBooths:         catalog[:3],
	}

	snapshot := model.Compute(stats, catalog)
	require.True(t, snapshot.VisitedKnown)
	assert.Equal(t, 14, snapshot.StampCount)
	assert.True(t, snapshot.IsCompleted)
	assert.Equal(t, 0, snapshot.Remaining)
	assert.InDelta(t, 100.0, snapshot.Percentage, 0.0001)

	detail := backend.ParticipantDetail{
		StampCount:         1,
		ProgressPercentage: &percentage,
		RemainingStamps:    &remaining,
		AllBooths: []backend.BoothStatus{
			{Booth: catalog[0], Visited: true},
			{Booth: catalog[1], Visited: true},
			{Booth: catalog[2], Visited: true},
		},
	}
	fromDetail := model.FromDetail(detail)
	assert.Equal(t, 3, fromDetail.StampCount)
	assert.Equal(t, 2, fromDetail.Remaining)
	assert.InDelta(t, 60.0, fromDetail.Percentage, 0.0001)
}

func TestCompletionTimeIsTheThresholdVisit(t *testing.T) {
	model := newModel(t)
	catalog := festivalCatalog()
	base := time.Date(2025, 10, 3, 10, 0, 0, 0, time.UTC)

	visits := make([]backend.VisitedBooth, 0, 6)
	for index := 5; index >= 0; index-- {
		visits = append(visits, backend.VisitedBooth{Booth: catalog[index], StampedAt: base.Add(time.Duration(index) * time.Minute)})
	}
	completedAt := model.CompletionTime(visits)
	require.NotNil(t, completedAt)
	assert.Equal(t, base.Add(4*time.Minute), *completedAt)

	duplicated := append([]backend.VisitedBooth(nil), visits[2:]...)
	duplicated = append(duplicated, visits[2])
	assert.Nil(t, model.CompletionTime(duplicated), "repeated booths do not count twice")
}

func TestFromDetailAndBoothStatuses(t *testing.T) {
	model := newModel(t)
	stampedAt := time.Date(2025, 10, 3, 11, 0, 0, 0, time.UTC)
	detail := backend.ParticipantDetail{
		StampCount: 1,
		AllBooths: []backend.BoothStatus{
			{Booth: backend.Booth{Code: "art1", Name: "Calligraphy"}, Visited: true, StampedAt: &stampedAt},
			{Booth: backend.Booth{Code: "art2", Name: "Pottery"}},
		},
	}

	snapshot := model.FromDetail(detail)
	assert.Equal(t, []string{"art1"}, snapshot.Visited)
	assert.Equal(t, 4, snapshot.Remaining)

	statuses := model.BoothStatuses(detail)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Visited)
	assert.Equal(t, &stampedAt, statuses[0].StampedAt)
	assert.False(t, statuses[1].Visited)
	assert.Nil(t, statuses[1].StampedAt)
}

func TestMergeIsMonotonicForSameParticipant(t *testing.T) {
	completedAt := time.Date(2025, 10, 3, 15, 0, 0, 0, time.UTC)
	cached := identity.Snapshot{ID: "p-1", StampCount: 5, IsCompleted: true, CompletedAt: &completedAt}
	stale := identity.Snapshot{ID: "p-1", StampCount: 3, IsCompleted: false}

	merged := Merge(cached, stale)
	assert.Equal(t, 5, merged.StampCount)
	assert.True(t, merged.IsCompleted)
	assert.Equal(t, &completedAt, merged.CompletedAt)

	fresher := identity.Snapshot{ID: "p-1", StampCount: 6, IsCompleted: true}
	assert.Equal(t, 6, Merge(cached, fresher).StampCount)
}

func TestMergeReplacesDifferentParticipant(t *testing.T) {
	cached := identity.Snapshot{ID: "p-1", StampCount: 5, IsCompleted: true}
	fresh := identity.Snapshot{ID: "p-2", StampCount: 1}

	assert.Equal(t, fresh, Merge(cached, fresh))
}
