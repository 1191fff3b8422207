// Package backendtest runs an in-process stamp tour backend for tests.
package backendtest

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Threshold is the number of distinct visits that completes the tour.
const Threshold = 5

type visit struct {
	boothIndex int
	stampedAt  time.Time
}

type participant struct {
	id           string
	createdAt    time.Time
	completedAt  *time.Time
	visits       []visit
	giftReceived bool
}

type forcedFailure struct {
	remaining int
	status    int
}

// Server emulates the scan, directory and statistics endpoints.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	booths          []backend.Booth
	boothCreatedAt  map[int64]time.Time
	lastBoothID     int64
	participants    map[string]*participant
	order           []string
	clock           func() time.Time
	scanCalls       int
	scanFailure     forcedFailure
	omitVisitedList bool
}

// DefaultBooths mirrors the catalog of the festival: 17 booths in three categories.
func DefaultBooths() []backend.Booth {
	categories := []struct {
		prefix string
		count  int
	}{
		{prefix: "art", count: 6},
		{prefix: "folk", count: 6},
		{prefix: "life", count: 5},
	}
	booths := make([]backend.Booth, 0, 17)
	for _, category := range categories {
		for index := 1; index <= category.count; index++ {
			booths = append(booths, backend.Booth{
				ID:       int64(len(booths) + 1),
				Code:     fmt.Sprintf("%s%d", category.prefix, index),
				Name:     fmt.Sprintf("%s booth %d", category.prefix, index),
				IsActive: true,
			})
		}
	}
	return booths
}

// New starts a backend serving the given catalog, or DefaultBooths when empty.
// The server is closed when the test finishes.
func New(tb testing.TB, booths ...backend.Booth) *Server {
	tb.Helper()
	gin.SetMode(gin.TestMode)

	if len(booths) == 0 {
		booths = DefaultBooths()
	}
	server := &Server{
		booths:         append([]backend.Booth(nil), booths...),
		boothCreatedAt: make(map[int64]time.Time, len(booths)),
		participants:   make(map[string]*participant),
		clock:          time.Now,
	}
	createdAt := time.Now().UTC()
	for _, booth := range server.booths {
		server.boothCreatedAt[booth.ID] = createdAt
		server.lastBoothID = max(server.lastBoothID, booth.ID)
	}
	server.Server = httptest.NewServer(server.router())
	tb.Cleanup(server.Close)
	return server
}

// BaseURL is the API root to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// SetClock replaces the time source used for visit and completion timestamps.
func (s *Server) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// FailScans makes the next count scan requests answer with status.
func (s *Server) FailScans(count, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanFailure = forcedFailure{remaining: count, status: status}
}

// OmitVisitedList makes the stats endpoint answer with next_booths only.
func (s *Server) OmitVisitedList(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitVisitedList = omit
}

// Forget deletes a participant, as if the backend database had been reset.
func (s *Server) Forget(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, participantID)
	for index, id := range s.order {
		if id == participantID {
			s.order = append(s.order[:index], s.order[index+1:]...)
			break
		}
	}
}

// MarkGiftReceived flags the participant as having collected the souvenir.
func (s *Server) MarkGiftReceived(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.participants[participantID]; ok {
		record.giftReceived = true
	}
}

// ScanCalls reports how many scan requests reached the backend.
func (s *Server) ScanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanCalls
}

// ParticipantCount reports how many participants exist.
func (s *Server) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

func (s *Server) router() http.Handler {
	router := gin.New()
	api := router.Group("/api")
	api.POST("/scan/", s.handleScan)
	api.GET("/booths/", s.handleBooths)
	api.GET("/participants/:id/stats/", s.handleStats)
	api.GET("/participants/:id/detail/", s.handleDetail)
	api.GET("/admin/statistics/", s.handleStatistics)
	api.GET("/admin/gift-eligible/", s.handleGiftEligible)
	api.GET("/admin/health-check/", s.handleHealth)
	api.GET("/admin/booths/", s.handleManagedBooths)
	api.POST("/admin/booths/create/", s.handleCreateBooth)
	api.PUT("/admin/booths/:id/update/", s.handleUpdateBooth)
	api.DELETE("/admin/booths/:id/delete/", s.handleDeleteBooth)
	return router
}

func (s *Server) handleScan(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanCalls++

	if s.scanFailure.remaining > 0 {
		s.scanFailure.remaining--
		c.JSON(s.scanFailure.status, gin.H{"success": false, "message": "temporarily unavailable"})
		return
	}

	var request backend.ScanRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.BoothCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "booth code is required"})
		return
	}

	boothIndex := s.activeBoothIndex(request.BoothCode)
	if boothIndex < 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "booth does not exist or is inactive"})
		return
	}

	record, known := s.participants[request.ParticipantID]
	isNew := !known
	if !known {
		record = &participant{id: uuid.NewString(), createdAt: s.clock().UTC()}
		s.participants[record.id] = record
		s.order = append(s.order, record.id)
	}

	booth := s.booths[boothIndex]
	for _, existing := range record.visits {
		if existing.boothIndex == boothIndex {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "stamp already collected at this booth",
				"data": gin.H{
					"participant_id": record.id,
					"booth_name":     booth.Name,
					"stamp_count":    len(record.visits),
					"is_completed":   record.completedAt != nil,
				},
			})
			return
		}
	}

	now := s.clock().UTC()
	record.visits = append(record.visits, visit{boothIndex: boothIndex, stampedAt: now})
	s.booths[boothIndex].ParticipantCount++
	if record.completedAt == nil && len(record.visits) >= Threshold {
		record.completedAt = &now
	}

	message := fmt.Sprintf("stamp collected at %s", booth.Name)
	if isNew {
		message = "registered as a new participant. " + message
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": message,
		"data": backend.ScanResult{
			ParticipantID:    record.id,
			BoothName:        booth.Name,
			StampCount:       len(record.visits),
			IsCompleted:      record.completedAt != nil,
			CompletedAt:      record.completedAt,
			IsNewParticipant: isNew,
		},
	})
}

func (s *Server) handleBooths(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booths := make([]backend.Booth, 0, len(s.booths))
	for _, booth := range s.booths {
		if booth.IsActive {
			booths = append(booths, booth)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": booths})
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.participants[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "participant does not exist"})
		return
	}

	visited := s.visitedSet(record)
	nextBooths := make([]backend.Booth, 0, 3)
	for index, booth := range s.booths {
		if !booth.IsActive || visited[index] {
			continue
		}
		// The directory recommends only a handful of booths unless asked for the
		// complement shape, which needs every unvisited booth.
		if !s.omitVisitedList && len(nextBooths) == 3 {
			break
		}
		nextBooths = append(nextBooths, booth)
	}

	percentage, remaining := progressOf(len(record.visits))
	stats := backend.ParticipantStats{
		ID:                 record.id,
		StampCount:         len(record.visits),
		IsCompleted:        record.completedAt != nil,
		ProgressPercentage: &percentage,
		RemainingStamps:    &remaining,
		NextBooths:         nextBooths,
	}
	if !s.omitVisitedList {
		stats.VisitedBooths = s.visitedBooths(record)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (s *Server) handleDetail(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.participants[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "participant does not exist"})
		return
	}

	stampedAt := make(map[int]time.Time, len(record.visits))
	for _, existing := range record.visits {
		stampedAt[existing.boothIndex] = existing.stampedAt
	}
	allBooths := make([]backend.BoothStatus, 0, len(s.booths))
	for index, booth := range s.booths {
		if !booth.IsActive {
			continue
		}
		status := backend.BoothStatus{Booth: booth}
		if at, visited := stampedAt[index]; visited {
			status.Visited = true
			status.StampedAt = &at
		}
		allBooths = append(allBooths, status)
	}

	percentage, remaining := progressOf(len(record.visits))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": backend.ParticipantDetail{
		ID:                 record.id,
		StampCount:         len(record.visits),
		IsCompleted:        record.completedAt != nil,
		ProgressPercentage: &percentage,
		RemainingStamps:    &remaining,
		VisitedBooths:      s.visitedBooths(record),
		AllBooths:          allBooths,
	}})
}

func (s *Server) handleStatistics(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := 0
	hourly := make([]backend.HourlyStatistic, 24)
	for hour := range hourly {
		hourly[hour].Hour = fmt.Sprintf("%02d:00", hour)
	}
	for _, id := range s.order {
		record := s.participants[id]
		if record.completedAt != nil {
			completed++
		}
		hourly[record.createdAt.Hour()].NewParticipants++
		for _, existing := range record.visits {
			hourly[existing.stampedAt.Hour()].StampsCollected++
		}
	}

	boothStatistics := make([]backend.BoothStatistic, 0, len(s.booths))
	for _, booth := range s.booths {
		if !booth.IsActive {
			continue
		}
		boothStatistics = append(boothStatistics, backend.BoothStatistic{
			BoothCode:        booth.Code,
			BoothName:        booth.Name,
			ParticipantCount: booth.ParticipantCount,
		})
	}
	sort.SliceStable(boothStatistics, func(i, j int) bool {
		return boothStatistics[i].ParticipantCount > boothStatistics[j].ParticipantCount
	})
	for index := range boothStatistics {
		boothStatistics[index].PopularityRank = index + 1
	}

	rate := 0.0
	if total := len(s.participants); total > 0 {
		rate = math.Round(float64(completed)/float64(total)*1000) / 10
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": backend.AdminStatistics{
		Summary: backend.StatisticsSummary{
			TotalParticipants:     len(s.participants),
			CompletedParticipants: completed,
			CompletionRate:        rate,
			GiftEligibleCount:     completed,
		},
		BoothStatistics:  boothStatistics,
		HourlyStatistics: hourly,
	}})
}

func (s *Server) handleGiftEligible(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]backend.GiftParticipant, 0)
	for _, id := range s.order {
		record := s.participants[id]
		if record.completedAt == nil {
			continue
		}
		visits := make([]backend.GiftVisit, 0, len(record.visits))
		for _, existing := range record.visits {
			booth := s.booths[existing.boothIndex]
			visits = append(visits, backend.GiftVisit{
				BoothCode: booth.Code,
				BoothName: booth.Name,
				StampedAt: existing.stampedAt,
			})
		}
		duration := int(record.completedAt.Sub(record.createdAt).Minutes())
		participants = append(participants, backend.GiftParticipant{
			ParticipantID:      record.id,
			CompletedAt:        record.completedAt,
			StampCount:         len(record.visits),
			VisitedBooths:      visits,
			CompletionDuration: &duration,
			GiftReceived:       record.giftReceived,
		})
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].CompletedAt.Before(*participants[j].CompletedAt)
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": backend.GiftEligibleList{
		TotalEligible: len(participants),
		Participants:  participants,
	}})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, stamps := 0, 0
	for _, booth := range s.booths {
		if booth.IsActive {
			active++
		}
	}
	for _, record := range s.participants {
		stamps += len(record.visits)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": backend.Health{
		Status:   "healthy",
		Database: "OK",
		Statistics: backend.HealthStatistics{
			TotalParticipants:    len(s.participants),
			ActiveBooths:         active,
			TotalStampsCollected: stamps,
		},
		Timestamp: s.clock().UTC(),
	}})
}

func (s *Server) handleManagedBooths(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booths := make([]backend.ManagedBooth, 0, len(s.booths))
	for index := range s.booths {
		booths = append(booths, s.managedBooth(index))
	}
	sort.SliceStable(booths, func(i, j int) bool { return booths[i].Code < booths[j].Code })
	c.JSON(http.StatusOK, gin.H{"success": true, "data": booths})
}

func (s *Server) handleCreateBooth(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var draft backend.BoothDraft
	if err := c.ShouldBindJSON(&draft); err != nil || draft.Code == "" || draft.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "booth code and name are required"})
		return
	}
	if s.boothIndexByCode(draft.Code) >= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": fmt.Sprintf("booth code %q already exists", draft.Code)})
		return
	}
	active := true
	if draft.IsActive != nil {
		active = *draft.IsActive
	}
	s.lastBoothID++
	s.booths = append(s.booths, backend.Booth{
		ID:          s.lastBoothID,
		Code:        draft.Code,
		Name:        draft.Name,
		Description: draft.Description,
		IsActive:    active,
	})
	s.boothCreatedAt[s.lastBoothID] = s.clock().UTC()
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "booth created",
		"data":    s.managedBooth(len(s.booths) - 1),
	})
}

func (s *Server) handleUpdateBooth(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.boothIndexByParam(c)
	if !ok {
		return
	}
	var patch backend.BoothPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	updated := s.booths[index]
	if patch.Code != nil {
		updated.Code = *patch.Code
	}
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.IsActive != nil {
		updated.IsActive = *patch.IsActive
	}
	if updated.Code == "" || updated.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "booth code and name are required"})
		return
	}
	if updated.Code != s.booths[index].Code && s.boothIndexByCode(updated.Code) >= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": fmt.Sprintf("booth code %q already exists", updated.Code)})
		return
	}
	s.booths[index] = updated
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "booth updated", "data": s.managedBooth(index)})
}

func (s *Server) handleDeleteBooth(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.boothIndexByParam(c)
	if !ok {
		return
	}
	booth := s.booths[index]
	if booth.ParticipantCount > 0 {
		s.booths[index].IsActive = false
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "booth has visits and was deactivated", "data": backend.BoothRemoval{
			Action:           backend.BoothDeactivated,
			BoothCode:        booth.Code,
			ParticipantCount: booth.ParticipantCount,
		}})
		return
	}

	s.booths = append(s.booths[:index], s.booths[index+1:]...)
	delete(s.boothCreatedAt, booth.ID)
	// Visits point into the booth slice by position.
	for _, record := range s.participants {
		for visitIndex := range record.visits {
			if record.visits[visitIndex].boothIndex > index {
				record.visits[visitIndex].boothIndex--
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("booth %q deleted", booth.Code), "data": backend.BoothRemoval{
		Action:    backend.BoothDeleted,
		BoothCode: booth.Code,
	}})
}

func (s *Server) boothIndexByParam(c *gin.Context) (int, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err == nil {
		for index, booth := range s.booths {
			if booth.ID == id {
				return index, true
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "booth does not exist"})
	return -1, false
}

func (s *Server) boothIndexByCode(code string) int {
	for index, booth := range s.booths {
		if booth.Code == code {
			return index
		}
	}
	return -1
}

func (s *Server) managedBooth(index int) backend.ManagedBooth {
	booth := s.booths[index]
	return backend.ManagedBooth{Booth: booth, CreatedAt: s.boothCreatedAt[booth.ID]}
}

func (s *Server) activeBoothIndex(code string) int {
	for index, booth := range s.booths {
		if booth.Code == code && booth.IsActive {
			return index
		}
	}
	return -1
}

func (s *Server) visitedSet(record *participant) map[int]bool {
	visited := make(map[int]bool, len(record.visits))
	for _, existing := range record.visits {
		visited[existing.boothIndex] = true
	}
	return visited
}

func (s *Server) visitedBooths(record *participant) []backend.VisitedBooth {
	visited := make([]backend.VisitedBooth, 0, len(record.visits))
	for _, existing := range record.visits {
		visited = append(visited, backend.VisitedBooth{
			Booth:     s.booths[existing.boothIndex],
			StampedAt: existing.stampedAt,
		})
	}
	return visited
}

func progressOf(stampCount int) (float64, int) {
	percentage := math.Min(float64(stampCount)/Threshold*100, 100)
	remaining := Threshold - stampCount
	if remaining < 0 {
		remaining = 0
	}
	return math.Round(percentage*10) / 10, remaining
}
