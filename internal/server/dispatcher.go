package server

import (
	"context"
	"sync"
	"time"
)

const (
	ViewEventInbox      = "inbox"
	ViewEventCampaign   = "campaign"
	ViewEventConnection = "connection"
	viewEventHeartbeat  = "heartbeat"
	viewSourceSync      = "wadesk-sync"
)

// ViewEvent is one change notification streamed to UI subscribers.
type ViewEvent struct {
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeDispatcher fans view events out to every connected UI stream.
// Slow subscribers miss events rather than block publishers.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*viewSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type viewSubscriber struct {
	id     int64
	stream chan ViewEvent
}

func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[int64]*viewSubscriber),
		bufferSize:  32,
		clock:       time.Now,
	}
}

func (d *ChangeDispatcher) Subscribe(ctx context.Context) (<-chan ViewEvent, func()) {
	subscriber := &viewSubscriber{
		stream: make(chan ViewEvent, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event of kind to all subscribers without blocking.
func (d *ChangeDispatcher) Publish(kind string, payload any) {
	if kind == "" {
		return
	}
	event := ViewEvent{
		Kind:      kind,
		Payload:   payload,
		Source:    viewSourceSync,
		Timestamp: d.clock().UTC(),
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*viewSubscriber, 0, len(d.subscribers))
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

// SubscriberCount reports how many streams are attached.
func (d *ChangeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *ChangeDispatcher) registerSubscriber(subscriber *viewSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
