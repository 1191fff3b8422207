// Package server exposes the admin reporting views over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/dashboard"
	"github.com/MarcoPoloResearchLab/stamptour/internal/report"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	eventHeartbeat           = "heartbeat"
	csvContentType           = "text/csv; charset=utf-8"
)

var (
	errMissingReports   = errors.New("reports dependency required")
	errInvalidParameter = errors.New("include_received must be a boolean")
)

// Reports is the dashboard state the handlers serve.
type Reports interface {
	Statistics() (report.StatisticsView, bool)
	Gifts() (dashboard.GiftView, bool)
	Health() (backend.Health, bool)
	Refresh(ctx context.Context, topic dashboard.Topic) error
	Subscribe(ctx context.Context, topics ...dashboard.Topic) (<-chan dashboard.Event, func())
}

// Dependencies describes what the HTTP handler needs.
type Dependencies struct {
	Reports           Reports
	Location          *time.Location
	Clock             func() time.Time
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the admin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Reports == nil {
		return nil, errMissingReports
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		reports:   deps.Reports,
		location:  location,
		clock:     clock,
		heartbeat: heartbeat,
		logger:    logger,
	}

	admin := router.Group("/admin")
	admin.GET("/statistics", handler.handleStatistics)
	admin.GET("/health", handler.handleHealth)
	admin.GET("/gift-eligible", handler.handleGiftEligible)
	admin.GET("/gift-eligible.csv", handler.handleGiftCSV)
	admin.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Cache-Control", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	reports   Reports
	location  *time.Location
	clock     func() time.Time
	heartbeat time.Duration
	logger    *zap.Logger
}

type giftResponsePayload struct {
	TotalEligible   int                       `json:"total_eligible"`
	Received        int                       `json:"received"`
	IncludeReceived bool                      `json:"include_received"`
	Participants    []backend.GiftParticipant `json:"participants"`
	RefreshedAt     time.Time                 `json:"refreshed_at"`
}

func (h *httpHandler) handleStatistics(c *gin.Context) {
	view, ok := h.reports.Statistics()
	if !ok {
		h.refresh(c.Request.Context(), dashboard.TopicStatistics)
		view, ok = h.reports.Statistics()
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics_unavailable"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	health, ok := h.reports.Health()
	if !ok {
		h.refresh(c.Request.Context(), dashboard.TopicHealth)
		health, ok = h.reports.Health()
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health_unavailable"})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *httpHandler) handleGiftEligible(c *gin.Context) {
	includeReceived, err := parseIncludeReceived(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, ok := h.giftView(c)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gifts_unavailable"})
		return
	}
	visible := view.Visible(includeReceived)
	c.JSON(http.StatusOK, giftResponsePayload{
		TotalEligible:   len(visible),
		Received:        view.Received,
		IncludeReceived: includeReceived,
		Participants:    visible,
		RefreshedAt:     view.RefreshedAt,
	})
}

func (h *httpHandler) handleGiftCSV(c *gin.Context) {
	includeReceived, err := parseIncludeReceived(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, ok := h.giftView(c)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gifts_unavailable"})
		return
	}
	filename := report.GiftCSVFilename(h.clock().In(h.location))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, csvContentType, report.ExportGiftCSV(view.Visible(includeReceived), h.location))
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	events, cleanup := h.reports.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Topic), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}

func (h *httpHandler) giftView(c *gin.Context) (dashboard.GiftView, bool) {
	view, ok := h.reports.Gifts()
	if !ok {
		h.refresh(c.Request.Context(), dashboard.TopicGifts)
		view, ok = h.reports.Gifts()
	}
	return view, ok
}

// refresh fills a view the pollers have not fetched yet.
func (h *httpHandler) refresh(ctx context.Context, topic dashboard.Topic) {
	if err := h.reports.Refresh(ctx, topic); err != nil {
		h.logger.Warn("on-demand refresh failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func parseIncludeReceived(c *gin.Context) (bool, error) {
	raw := strings.TrimSpace(c.Query("include_received"))
	if raw == "" {
		return true, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errInvalidParameter
	}
	return value, nil
}
