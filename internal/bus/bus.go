package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskQueued   = "task.queued"
	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
	TopicTaskRejected = "task.rejected"
)

// Credential lifecycle topics.
const (
	TopicCredentialRefreshed  = "credential.refreshed"
	TopicCredentialSignedIn   = "credential.signed_in"
	TopicCredentialRegistered = "credential.registered"
	TopicCredentialCleared    = "credential.cleared"
	TopicCredentialReset      = "credential.reset"
)

// Live subscription topics.
const (
	TopicSubscriptionConnected    = "subscription.connected"
	TopicSubscriptionDisconnected = "subscription.disconnected"
)

// TaskEvent is published on task.* topics.
type TaskEvent struct {
	TaskID    string
	Name      string
	Queue     string
	State     string
	Error     string
	QueueWait time.Duration
	RunTime   time.Duration
}

// CredentialEvent is published on credential.* topics. It never carries
// token material.
type CredentialEvent struct {
	Operation string
	UserID    string
	ExpiresAt time.Time
}

// SubscriptionEvent is published when a live connection for an event type
// changes state.
type SubscriptionEvent struct {
	EventType   string
	Subscribers int
	Reason      string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
// Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
