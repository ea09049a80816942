// Package subscription multiplexes logical subscribers onto one live
// connection per event type.
//
// A connection exists exactly while an event type has subscribers. When the
// connection reports a disconnect or error, the registry for that type is
// cleared and the connection released before anyone is told, so subscribers
// may re-subscribe from inside their disconnect callback.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/otel"
)

// ConnectionState is the per-event-type connection lifecycle.
type ConnectionState int

const (
	StateNoConnection ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateNoConnection:
		return "no_connection"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is what a live connection reports about itself.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusError
)

// Update is an inbound event after translation.
type Update struct {
	EventType  string
	ID         string
	Payload    map[string]any
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// Subscriber receives updates and connection changes for one event type.
type Subscriber interface {
	OnUpdate(Update)
	OnConnectionState(state ConnectionState, err error)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are skipped.
type SubscriberFuncs struct {
	Update func(Update)
	State  func(ConnectionState, error)
}

func (f SubscriberFuncs) OnUpdate(u Update) {
	if f.Update != nil {
		f.Update(u)
	}
}

func (f SubscriberFuncs) OnConnectionState(s ConnectionState, err error) {
	if f.State != nil {
		f.State(s, err)
	}
}

// Connection is an open live stream.
type Connection interface {
	Close() error
}

// Sink receives what a connection observes.
type Sink interface {
	Event(raw []byte)
	Status(status Status, err error)
}

// Connector opens the live stream for an event type. Open must return
// without calling sink; reports are delivered afterwards from the
// connection's own goroutine.
type Connector interface {
	Open(ctx context.Context, eventType string, sink Sink) (Connection, error)
}

// Translator turns a raw inbound event into an Update.
type Translator interface {
	Translate(eventType string, raw []byte) (Update, error)
}

type Config struct {
	Connector  Connector
	Translator Translator
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Logger     *slog.Logger
}

type entry struct {
	subscribers map[string]Subscriber
	conn        Connection
	state       ConnectionState
	gen         uint64
}

// Hub holds one entry per event type. All registry mutation happens under
// mu; subscribers are always called without it, on a snapshot.
type Hub struct {
	connector  Connector
	translator Translator
	bus        *bus.Bus
	metrics    *otel.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
}

func NewHub(cfg Config) (*Hub, error) {
	if cfg.Connector == nil {
		return nil, errors.New("subscription: connector is nil")
	}
	if cfg.Translator == nil {
		cfg.Translator = JSONTranslator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connector:  cfg.Connector,
		translator: cfg.Translator,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "subscription"),
		entries:    make(map[string]*entry),
	}, nil
}

// Subscribe registers sub under id for eventType, replacing any previous
// registration under the same id. The first subscriber opens the live
// connection; later ones are told immediately if it is already connected.
func (h *Hub) Subscribe(ctx context.Context, eventType, id string, sub Subscriber) error {
	if eventType == "" || id == "" || sub == nil {
		return errors.New("subscribe: event type, id and subscriber are required")
	}

	h.mu.Lock()
	e := h.entries[eventType]
	if e == nil {
		e = &entry{subscribers: make(map[string]Subscriber)}
		h.entries[eventType] = e
	}
	if e.conn != nil {
		e.subscribers[id] = sub
		catchUp := e.state == StateConnected
		h.mu.Unlock()
		if catchUp {
			h.safeCall(eventType, id, func() { sub.OnConnectionState(StateConnected, nil) })
		}
		return nil
	}

	h.nextGen++
	gen := h.nextGen
	conn, err := h.connector.Open(ctx, eventType, &sink{hub: h, eventType: eventType, gen: gen})
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("open %s connection: %w", eventType, err)
	}
	e.subscribers[id] = sub
	e.conn = conn
	e.gen = gen
	e.state = StateConnecting
	h.mu.Unlock()

	h.metrics.ConnectionOpened(ctx, eventType)
	h.logger.Info("live connection opened", "event_type", eventType)
	return nil
}

// Unsubscribe removes id. Removing the last subscriber closes the connection.
func (h *Hub) Unsubscribe(eventType, id string) {
	h.mu.Lock()
	e := h.entries[eventType]
	if e == nil {
		h.mu.Unlock()
		return
	}
	if _, ok := e.subscribers[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(e.subscribers, id)
	if len(e.subscribers) > 0 {
		h.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	e.state = StateNoConnection
	h.mu.Unlock()

	h.release(eventType, conn, "last subscriber left")
}

func (h *Hub) State(eventType string) ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.entries[eventType]; e != nil {
		return e.state
	}
	return StateNoConnection
}

func (h *Hub) SubscriberCount(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.entries[eventType]; e != nil {
		return len(e.subscribers)
	}
	return 0
}

func (h *Hub) HasConnection(eventType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[eventType]
	return e != nil && e.conn != nil
}

// Close releases every connection without notifying subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make(map[string]Connection)
	for et, e := range h.entries {
		if e.conn != nil {
			conns[et] = e.conn
		}
		e.conn = nil
		e.subscribers = make(map[string]Subscriber)
		e.state = StateNoConnection
	}
	h.mu.Unlock()
	for et, c := range conns {
		h.release(et, c, "hub closed")
	}
}

func (h *Hub) release(eventType string, conn Connection, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		h.logger.Warn("close live connection", "event_type", eventType, "error", err)
	}
	h.metrics.ConnectionClosed(context.Background(), eventType)
	h.logger.Info("live connection released", "event_type", eventType, "reason", reason)
}

// snapshotLocked copies the subscribers of the entry for eventType if it is
// still the one identified by gen. Caller holds h.mu.
func (h *Hub) snapshotLocked(eventType string, gen uint64) (*entry, map[string]Subscriber) {
	e := h.entries[eventType]
	if e == nil || e.conn == nil || e.gen != gen {
		return nil, nil
	}
	snap := make(map[string]Subscriber, len(e.subscribers))
	for id, s := range e.subscribers {
		snap[id] = s
	}
	return e, snap
}

func (h *Hub) handleStatus(eventType string, gen uint64, status Status, cause error) {
	h.mu.Lock()
	e, snap := h.snapshotLocked(eventType, gen)
	if e == nil {
		h.mu.Unlock()
		return
	}

	if status == StatusConnected {
		e.state = StateConnected
		h.mu.Unlock()
		h.bus.Publish(bus.TopicSubscriptionConnected, bus.SubscriptionEvent{EventType: eventType, Subscribers: len(snap)})
		for id, s := range snap {
			h.safeCall(eventType, id, func() { s.OnConnectionState(StateConnected, nil) })
		}
		return
	}

	conn := e.conn
	e.conn = nil
	e.subscribers = make(map[string]Subscriber)
	e.state = StateDisconnected
	h.mu.Unlock()

	reason := "disconnected"
	if cause != nil {
		reason = cause.Error()
	}
	h.release(eventType, conn, reason)
	h.bus.Publish(bus.TopicSubscriptionDisconnected, bus.SubscriptionEvent{EventType: eventType, Subscribers: len(snap), Reason: reason})
	for id, s := range snap {
		h.safeCall(eventType, id, func() { s.OnConnectionState(StateDisconnected, cause) })
	}
}

func (h *Hub) handleEvent(eventType string, gen uint64, raw []byte) {
	update, err := h.translator.Translate(eventType, raw)
	if err != nil {
		h.metrics.RecordDrop(context.Background(), eventType)
		h.logger.Warn("dropping untranslatable event", "event_type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	e, snap := h.snapshotLocked(eventType, gen)
	h.mu.Unlock()
	if e == nil || len(snap) == 0 {
		return
	}
	for id, s := range snap {
		h.safeCall(eventType, id, func() { s.OnUpdate(update) })
	}
	h.metrics.RecordBroadcast(context.Background(), eventType, len(snap))
}

// safeCall runs a subscriber callback, recovering from panics.
func (h *Hub) safeCall(eventType, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked", "event_type", eventType, "subscriber", id, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// sink routes one connection's reports to the hub, tagged with the
// generation of the entry it was opened for.
type sink struct {
	hub       *Hub
	eventType string
	gen       uint64
}

func (s *sink) Event(raw []byte) {
	s.hub.handleEvent(s.eventType, s.gen, raw)
}

func (s *sink) Status(status Status, err error) {
	s.hub.handleStatus(s.eventType, s.gen, status, err)
}
