package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/backend/backendtest"
	"github.com/MarcoPoloResearchLab/stamptour/internal/dashboard"
	"github.com/MarcoPoloResearchLab/stamptour/internal/report"
)

type routerHarness struct {
	backend   *backendtest.Server
	dashboard *dashboard.Dashboard
	handler   http.Handler
	completed string
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	server := backendtest.New(t)
	client, err := backend.NewClient(backend.ClientConfig{BaseURL: server.BaseURL()})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	completed := ""
	for _, code := range []string{"art1", "art2", "art3", "folk1", "life1"} {
		result, err := client.Scan(ctx, backend.ScanRequest{ParticipantID: completed, BoothCode: code})
		if err != nil {
			t.Fatalf("scan %s failed: %v", code, err)
		}
		completed = result.ParticipantID
	}
	other := ""
	for _, code := range []string{"folk1", "folk2", "folk3", "folk4", "folk5"} {
		result, err := client.Scan(ctx, backend.ScanRequest{ParticipantID: other, BoothCode: code})
		if err != nil {
			t.Fatalf("scan %s failed: %v", code, err)
		}
		other = result.ParticipantID
	}
	server.MarkGiftReceived(other)

	views, err := dashboard.New(dashboard.Config{Source: client})
	if err != nil {
		t.Fatalf("failed to create dashboard: %v", err)
	}
	t.Cleanup(views.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Reports:           views,
		Location:          time.FixedZone("KST", 9*60*60),
		Clock:             func() time.Time { return time.Date(2025, 10, 3, 16, 30, 0, 0, time.UTC) },
		HeartbeatInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return &routerHarness{backend: server, dashboard: views, handler: handler, completed: completed}
}

func (h *routerHarness) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresReports(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingReports) {
		t.Fatalf("expected missing reports error, got %v", err)
	}
}

func TestStatisticsEndpointFetchesOnDemand(t *testing.T) {
	h := newRouterHarness(t)

	recorder := h.get(t, "/admin/statistics")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var view report.StatisticsView
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode statistics: %v", err)
	}
	if view.Summary.TotalParticipants != 2 || view.Summary.CompletionRate != 100 {
		t.Fatalf("unexpected summary %+v", view.Summary)
	}
	if len(view.Booths) == 0 || view.Booths[0].Code != "folk1" || view.Booths[0].Rank != 1 {
		t.Fatalf("expected folk1 to lead the ranking, got %+v", view.Booths)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newRouterHarness(t)

	recorder := h.get(t, "/admin/health")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var health backend.Health
	if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Status != "healthy" || health.Statistics.ActiveBooths != 17 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestGiftEligibleEndpointFiltersReceived(t *testing.T) {
	h := newRouterHarness(t)

	testCases := []struct {
		name     string
		target   string
		status   int
		expected int
	}{
		{name: "default includes received", target: "/admin/gift-eligible", status: http.StatusOK, expected: 2},
		{name: "explicit include", target: "/admin/gift-eligible?include_received=true", status: http.StatusOK, expected: 2},
		{name: "exclude received", target: "/admin/gift-eligible?include_received=false", status: http.StatusOK, expected: 1},
		{name: "invalid flag", target: "/admin/gift-eligible?include_received=maybe", status: http.StatusBadRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := h.get(t, testCase.target)
			if recorder.Code != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, recorder.Code)
			}
			if testCase.status != http.StatusOK {
				return
			}
			var payload giftResponsePayload
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to decode gifts: %v", err)
			}
			if payload.TotalEligible != testCase.expected || len(payload.Participants) != testCase.expected {
				t.Fatalf("expected %d participants, got %+v", testCase.expected, payload)
			}
			if payload.Received != 1 {
				t.Fatalf("expected one received gift, got %d", payload.Received)
			}
		})
	}
}

func TestGiftCSVEndpoint(t *testing.T) {
	h := newRouterHarness(t)

	recorder := h.get(t, "/admin/gift-eligible.csv?include_received=false")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != csvContentType {
		t.Fatalf("unexpected content type %q", contentType)
	}
	disposition := recorder.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, `filename="gift_eligible_2025-10-04.csv"`) {
		t.Fatalf("expected the report-local date in the filename, got %q", disposition)
	}

	lines := strings.Split(strings.TrimSuffix(recorder.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", recorder.Body.String())
	}
	expectedPrefix := `"` + report.ShortID(h.completed) + `",`
	if !strings.HasPrefix(lines[1], expectedPrefix) {
		t.Fatalf("expected row for %s, got %q", h.completed, lines[1])
	}
	if !strings.HasSuffix(lines[1], `"art1;art2;art3;folk1;life1"`) {
		t.Fatalf("expected visited codes in scan order, got %q", lines[1])
	}
}

type unavailableReports struct{}

func (unavailableReports) Statistics() (report.StatisticsView, bool) {
	return report.StatisticsView{}, false
}

func (unavailableReports) Gifts() (dashboard.GiftView, bool) { return dashboard.GiftView{}, false }
func (unavailableReports) Health() (backend.Health, bool) { return backend.Health{}, false }
func (unavailableReports) Refresh(context.Context, dashboard.Topic) error {
	return errors.New("backend down")
}
func (unavailableReports) Subscribe(context.Context, ...dashboard.Topic) (<-chan dashboard.Event, func()) {
	events := make(chan dashboard.Event)
	close(events)
	return events, func() {}
}

func TestEndpointsReportUnavailableViews(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{Reports: unavailableReports{}})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	for _, target := range []string{"/admin/statistics", "/admin/health", "/admin/gift-eligible", "/admin/gift-eligible.csv"} {
		request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected status 503, got %d", target, recorder.Code)
		}
	}
}

func TestCORSPreflightAllowsAnyOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{Reports: unavailableReports{}})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	request := httptest.NewRequest(http.MethodOptions, "/admin/statistics", http.NoBody)
	request.Header.Set("Origin", "https://admin.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
}

func TestStreamDeliversViewRefreshes(t *testing.T) {
	h := newRouterHarness(t)
	httpServer := httptest.NewServer(h.handler)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/admin/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()

	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	scanner := bufio.NewScanner(response.Body)
	refreshed := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event:"+eventHeartbeat && !refreshed:
			// The subscription is live once a heartbeat arrives.
			refreshed = true
			if err := h.dashboard.Refresh(ctx, dashboard.TopicHealth); err != nil {
				t.Fatalf("refresh failed: %v", err)
			}
		case line == "event:"+string(dashboard.TopicHealth):
			if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), "data:") {
				t.Fatalf("expected data line after health event")
			}
			var event dashboard.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(scanner.Text(), "data:")), &event); err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}
			if event.Health == nil || event.Health.Status != "healthy" {
				t.Fatalf("unexpected health event %+v", event)
			}
			return
		}
	}
	t.Fatalf("stream ended before a health event arrived: %v", scanner.Err())
}
