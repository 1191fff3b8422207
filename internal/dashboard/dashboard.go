// Package dashboard keeps the admin views fresh. Each view polls the backend
// on its own interval and publishes refreshed state to subscribers.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/report"
	"github.com/MarcoPoloResearchLab/stamptour/internal/schedule"
)

const (
	DefaultStatisticsInterval = 30 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultGiftInterval       = 60 * time.Second
	DefaultTopBooths          = 10
	DefaultHourlyWindow       = 12
)

var (
	// ErrUnknownTopic is returned when refreshing a view that does not exist.
	ErrUnknownTopic = errors.New("dashboard: unknown topic")
	// ErrClosed is returned when starting a dashboard that was already closed.
	ErrClosed = errors.New("dashboard: closed")

	errMissingSource = errors.New("dashboard: source dependency is required")
)

// Source is the slice of the backend the admin views read.
type Source interface {
	AdminStatistics(ctx context.Context) (backend.AdminStatistics, error)
	GiftEligible(ctx context.Context) (backend.GiftEligibleList, error)
	Health(ctx context.Context) (backend.Health, error)
}

// GiftView is the latest gift-eligibility list. Participants holds every
// completed participant, including those who already collected the souvenir.
type GiftView struct {
	TotalEligible int                       `json:"total_eligible"`
	Received      int                       `json:"received"`
	Participants  []backend.GiftParticipant `json:"participants"`
	RefreshedAt   time.Time                 `json:"refreshed_at"`
}

// Visible applies the "already received" filter.
func (v GiftView) Visible(includeReceived bool) []backend.GiftParticipant {
	return report.FilterGiftEligible(v.Participants, includeReceived)
}

// Config describes the dependencies of a Dashboard.
type Config struct {
	Source             Source
	StatisticsInterval time.Duration
	HealthInterval     time.Duration
	GiftInterval       time.Duration
	TopBooths          int
	HourlyWindow       int
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Dashboard owns the admin pollers and the last state each one fetched.
type Dashboard struct {
	source       Source
	intervals    map[Topic]time.Duration
	topBooths    int
	hourlyWindow int
	clock        func() time.Time
	logger       *zap.Logger
	dispatcher   *Dispatcher
	pollers      *schedule.Group

	mu         sync.RWMutex
	statistics *report.StatisticsView
	gifts      *GiftView
	health     *backend.Health
	closed     bool
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Dashboard, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topBooths := cfg.TopBooths
	if topBooths <= 0 {
		topBooths = DefaultTopBooths
	}
	hourlyWindow := cfg.HourlyWindow
	if hourlyWindow <= 0 {
		hourlyWindow = DefaultHourlyWindow
	}

	return &Dashboard{
		source: cfg.Source,
		intervals: map[Topic]time.Duration{
			TopicStatistics: orDefault(cfg.StatisticsInterval, DefaultStatisticsInterval),
			TopicGifts:      orDefault(cfg.GiftInterval, DefaultGiftInterval),
			TopicHealth:     orDefault(cfg.HealthInterval, DefaultHealthInterval),
		},
		topBooths:    topBooths,
		hourlyWindow: hourlyWindow,
		clock:        clock,
		logger:       logger,
		dispatcher:   NewDispatcher(),
		pollers:      schedule.NewGroup(),
	}, nil
}

// Start launches one poller per view. Every poller fetches immediately and
// then on its own interval until ctx ends or the dashboard is closed.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	for _, topic := range Topics {
		if _, err := d.pollers.Every(ctx, d.intervals[topic], func(pollCtx context.Context) {
			_ = d.Refresh(pollCtx, topic)
		}); err != nil {
			return fmt.Errorf("dashboard: start %s poller: %w", topic, err)
		}
	}
	return nil
}

// Refresh fetches one view now. Failures keep the previous state, are logged
// and are published as an error event.
func (d *Dashboard) Refresh(ctx context.Context, topic Topic) error {
	event := Event{Topic: topic}
	var err error
	switch topic {
	case TopicStatistics:
		var statistics backend.AdminStatistics
		if statistics, err = d.source.AdminStatistics(ctx); err == nil {
			view := report.BuildStatisticsView(statistics, d.topBooths, d.hourlyWindow)
			event.Statistics = &view
			d.mu.Lock()
			d.statistics = &view
			d.mu.Unlock()
		}
	case TopicGifts:
		var list backend.GiftEligibleList
		if list, err = d.source.GiftEligible(ctx); err == nil {
			eligible := report.FilterGiftEligible(list.Participants, true)
			view := GiftView{
				TotalEligible: len(eligible),
				Received:      report.CountReceived(eligible),
				Participants:  eligible,
				RefreshedAt:   d.clock(),
			}
			event.Gifts = &view
			d.mu.Lock()
			d.gifts = &view
			d.mu.Unlock()
		}
	case TopicHealth:
		var health backend.Health
		if health, err = d.source.Health(ctx); err == nil {
			event.Health = &health
			d.mu.Lock()
			d.health = &health
			d.mu.Unlock()
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	event.Timestamp = d.clock()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		d.logError(topic, err)
		event.Err = err.Error()
	}
	d.dispatcher.Publish(event)
	return err
}

// Statistics returns the last statistics view, if one was fetched.
func (d *Dashboard) Statistics() (report.StatisticsView, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.statistics == nil {
		return report.StatisticsView{}, false
	}
	return *d.statistics, true
}

// Gifts returns the last gift-eligibility view, if one was fetched.
func (d *Dashboard) Gifts() (GiftView, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gifts == nil {
		return GiftView{}, false
	}
	return *d.gifts, true
}

// Health returns the last health document, if one was fetched.
func (d *Dashboard) Health() (backend.Health, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.health == nil {
		return backend.Health{}, false
	}
	return *d.health, true
}

// Subscribe streams view events; see Dispatcher.Subscribe.
func (d *Dashboard) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	return d.dispatcher.Subscribe(ctx, topics...)
}

// Close cancels every poller and waits for in-flight refreshes to return.
func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.pollers.Close()
	d.pollers.Wait()
}

func (d *Dashboard) logError(topic Topic, err error) {
	d.logger.Error("dashboard refresh failed",
		zap.String("operation", "dashboard.refresh"),
		zap.String("topic", string(topic)),
		zap.Error(err),
	)
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
