package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/missions/internal/review"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// ReviewDispatcher fans review events out to connected admin streams. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type ReviewDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	admin  string
	stream chan review.Event
}

func NewReviewDispatcher() *ReviewDispatcher {
	return &ReviewDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for the admin until ctx ends or cleanup is called.
func (d *ReviewDispatcher) Subscribe(ctx context.Context, admin string) (<-chan review.Event, func()) {
	if admin == "" {
		ch := make(chan review.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		admin:  admin,
		stream: make(chan review.Event, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements review.Publisher.
func (d *ReviewDispatcher) Publish(event review.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of open streams.
func (d *ReviewDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *ReviewDispatcher) register(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *ReviewDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
