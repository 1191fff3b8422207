package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/backend/backendtest"
	"go.uber.org/zap"
)

func newClient(t *testing.T, baseURL string) *backend.Client {
	t.Helper()
	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL: baseURL + "/",
		Timeout: 2 * time.Second,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := backend.NewClient(backend.ClientConfig{BaseURL: "  "}); !errors.Is(err, backend.ErrInvalidClientConfig) {
		t.Fatalf("expected ErrInvalidClientConfig, got %v", err)
	}
}

func TestScanCreatesParticipantAndRecordsVisit(t *testing.T) {
	server := backendtest.New(t)
	client := newClient(t, server.BaseURL())

	result, err := client.Scan(context.Background(), backend.ScanRequest{BoothCode: "art1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if result.ParticipantID == "" || !result.IsNewParticipant {
		t.Fatalf("expected a new participant, got %#v", result)
	}
	if result.StampCount != 1 || result.IsCompleted {
		t.Fatalf("unexpected progress %#v", result)
	}

	again, err := client.Scan(context.Background(), backend.ScanRequest{ParticipantID: result.ParticipantID, BoothCode: "folk2"})
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if again.ParticipantID != result.ParticipantID || again.IsNewParticipant || again.StampCount != 2 {
		t.Fatalf("unexpected second scan result %#v", again)
	}
}

func TestScanClassifiesBackendRejections(t *testing.T) {
	server := backendtest.New(t)
	client := newClient(t, server.BaseURL())
	ctx := context.Background()

	first, err := client.Scan(ctx, backend.ScanRequest{BoothCode: "art1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	_, err = client.Scan(ctx, backend.ScanRequest{ParticipantID: first.ParticipantID, BoothCode: "art1"})
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected duplicate APIError, got %v", err)
	}
	var duplicate backend.ScanResult
	if err := apiErr.DecodeData(&duplicate); err != nil {
		t.Fatalf("expected embedded data: %v", err)
	}
	if duplicate.StampCount != 1 || duplicate.ParticipantID != first.ParticipantID {
		t.Fatalf("unexpected duplicate payload %#v", duplicate)
	}

	_, err = client.Scan(ctx, backend.ScanRequest{BoothCode: "zzz9"})
	if backend.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if !errors.As(err, &apiErr) || apiErr.HasData() || apiErr.Message == "" {
		t.Fatalf("expected message without data, got %#v", apiErr)
	}
}

func TestTransportFailureIsWrapped(t *testing.T) {
	listener := httptest.NewServer(http.NotFoundHandler())
	baseURL := listener.URL
	listener.Close()

	client := newClient(t, baseURL)
	_, err := client.Booths(context.Background())
	if !errors.Is(err, backend.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestMalformedSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	if _, err := client.Booths(context.Background()); !errors.Is(err, backend.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestRequestsCarryCorrelationID(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
		if r.URL.Path != "/admin/health-check/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"healthy","database":"OK"}}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("unexpected health %#v", health)
	}
	if len(seen) != 36 {
		t.Fatalf("expected uuid request id, got %q", seen)
	}
}

func TestParticipantEndpoints(t *testing.T) {
	server := backendtest.New(t)
	client := newClient(t, server.BaseURL())
	ctx := context.Background()

	first, err := client.Scan(ctx, backend.ScanRequest{BoothCode: "life1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	stats, err := client.ParticipantStats(ctx, first.ParticipantID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.StampCount != 1 || len(stats.VisitedBooths) != 1 || stats.VisitedBooths[0].Booth.Code != "life1" {
		t.Fatalf("unexpected stats %#v", stats)
	}
	if stats.ProgressPercentage == nil || *stats.ProgressPercentage != 20 {
		t.Fatalf("expected server percentage 20, got %v", stats.ProgressPercentage)
	}

	detail, err := client.ParticipantDetail(ctx, first.ParticipantID)
	if err != nil {
		t.Fatalf("detail failed: %v", err)
	}
	if len(detail.AllBooths) != 17 {
		t.Fatalf("expected full catalog, got %d booths", len(detail.AllBooths))
	}

	if _, err := client.ParticipantStats(ctx, "missing"); backend.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown participant, got %v", err)
	}
	if _, err := client.ParticipantStats(ctx, " "); err == nil {
		t.Fatalf("expected error for blank participant id")
	}
}

func TestAdminEndpoints(t *testing.T) {
	server := backendtest.New(t)
	client := newClient(t, server.BaseURL())
	ctx := context.Background()

	participantID := ""
	for _, code := range []string{"art1", "art2", "art3", "folk1", "folk2"} {
		result, err := client.Scan(ctx, backend.ScanRequest{ParticipantID: participantID, BoothCode: code})
		if err != nil {
			t.Fatalf("scan %s failed: %v", code, err)
		}
		participantID = result.ParticipantID
	}

	statistics, err := client.AdminStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if statistics.Summary.CompletedParticipants != 1 || len(statistics.HourlyStatistics) != 24 {
		t.Fatalf("unexpected statistics %#v", statistics.Summary)
	}

	gifts, err := client.GiftEligible(ctx)
	if err != nil {
		t.Fatalf("gift list failed: %v", err)
	}
	if gifts.TotalEligible != 1 || gifts.Participants[0].ParticipantID != participantID {
		t.Fatalf("unexpected gift list %#v", gifts)
	}
}

func TestBoothManagementEndpoints(t *testing.T) {
	server := backendtest.New(t)
	client := newClient(t, server.BaseURL())
	ctx := context.Background()

	created, err := client.CreateBooth(ctx, backend.BoothDraft{Code: " art7 ", Name: "Mask making", Description: "paper masks"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == 0 || created.Code != "art7" || !created.IsActive || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected created booth %#v", created)
	}
	if _, err := client.CreateBooth(ctx, backend.BoothDraft{Code: "art7", Name: "Again"}); backend.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected duplicate code to be rejected, got %v", err)
	}
	if _, err := client.CreateBooth(ctx, backend.BoothDraft{Code: "art8"}); err == nil {
		t.Fatalf("expected a missing name to be rejected locally")
	}

	booths, err := client.AdminBooths(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(booths) != 18 || booths[0].Code != "art1" {
		t.Fatalf("expected 18 booths ordered by code, got %d starting at %q", len(booths), booths[0].Code)
	}

	inactive := false
	renamed := "Masks"
	updated, err := client.UpdateBooth(ctx, created.ID, backend.BoothPatch{Name: &renamed, IsActive: &inactive})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != "Masks" || updated.IsActive || updated.Code != "art7" || updated.Description != "paper masks" {
		t.Fatalf("unexpected updated booth %#v", updated)
	}
	if _, err := client.Scan(ctx, backend.ScanRequest{BoothCode: "art7"}); backend.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected an inactive booth to reject scans, got %v", err)
	}
	if _, err := client.UpdateBooth(ctx, 9999, backend.BoothPatch{Name: &renamed}); backend.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected unknown booth to be 404, got %v", err)
	}

	removal, err := client.DeleteBooth(ctx, created.ID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removal.Action != backend.BoothDeleted || removal.BoothCode != "art7" {
		t.Fatalf("expected an unvisited booth to be deleted, got %#v", removal)
	}

	if _, err := client.Scan(ctx, backend.ScanRequest{BoothCode: "folk6"}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	removal, err = client.DeleteBooth(ctx, 12)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removal.Action != backend.BoothDeactivated || removal.BoothCode != "folk6" || removal.ParticipantCount != 1 {
		t.Fatalf("expected a visited booth to be deactivated, got %#v", removal)
	}
	catalog, err := client.Booths(ctx)
	if err != nil {
		t.Fatalf("catalog failed: %v", err)
	}
	if len(catalog) != 16 {
		t.Fatalf("expected 16 active booths, got %d", len(catalog))
	}

	if _, err := client.DeleteBooth(ctx, 0); err == nil {
		t.Fatalf("expected a non-positive id to be rejected locally")
	}
}
