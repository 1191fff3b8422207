package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/report"
)

// Topic names one of the independently refreshed admin views.
type Topic string

const (
	TopicStatistics Topic = "statistics"
	TopicGifts      Topic = "gifts"
	TopicHealth     Topic = "health"
)

// Topics lists every view in a stable order.
var Topics = []Topic{TopicStatistics, TopicGifts, TopicHealth}

// Event announces a refreshed view or a failed refresh. Exactly one of the
// payload fields is set on success; Err is set instead on failure.
type Event struct {
	Topic      Topic                  `json:"topic"`
	Statistics *report.StatisticsView `json:"statistics,omitempty"`
	Gifts      *GiftView              `json:"gifts,omitempty"`
	Health     *backend.Health        `json:"health,omitempty"`
	Err        string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Dispatcher fans view events out to subscribers. Slow subscribers miss
// events instead of blocking the pollers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[Topic]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for the given topics, or every topic when none are
// named. The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	if len(topics) == 0 {
		topics = Topics
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topics, sub)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topics, sub.id)
			close(done)
		})
	}
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber of its topic.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many subscriptions a topic currently has.
func (d *Dispatcher) Subscribers(topic Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topics []Topic, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		if _, ok := d.subscribers[topic]; !ok {
			d.subscribers[topic] = make(map[int64]*subscriber)
		}
		d.subscribers[topic][sub.id] = sub
	}
}

func (d *Dispatcher) unregister(topics []Topic, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		subscribers := d.subscribers[topic]
		if subscribers == nil {
			continue
		}
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
}
