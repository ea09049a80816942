package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeConn struct {
	sink   Sink
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeConnector) Open(_ context.Context, _ string, sink Sink) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{sink: sink}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

// recorder is a Subscriber that keeps everything it is told.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	states  []ConnectionState
}

func (r *recorder) OnUpdate(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) OnConnectionState(s ConnectionState, _ error) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) counts() (updates, states int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.states)
}

func newTestHub(t *testing.T) (*Hub, *fakeConnector) {
	t.Helper()
	conn := &fakeConnector{}
	h, err := NewHub(Config{Connector: conn})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	return h, conn
}

func TestHub_OneConnectionPerEventType(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()

	if err := h.Subscribe(ctx, "create", "a", &recorder{}); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := h.Subscribe(ctx, "create", "b", &recorder{}); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if connector.opened() != 1 {
		t.Fatalf("opened %d connections, want 1", connector.opened())
	}
	if h.SubscriberCount("create") != 2 || !h.HasConnection("create") {
		t.Fatalf("unexpected registry state")
	}

	h.Unsubscribe("create", "a")
	if !h.HasConnection("create") || connector.last().isClosed() {
		t.Fatalf("connection must stay open while a subscriber remains")
	}
	h.Unsubscribe("create", "b")
	if h.HasConnection("create") || !connector.last().isClosed() {
		t.Fatalf("last unsubscribe must close the connection")
	}
	if h.State("create") != StateNoConnection {
		t.Fatalf("state = %s", h.State("create"))
	}
}

func TestHub_SeparateEventTypes(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	_ = h.Subscribe(ctx, "create", "a", &recorder{})
	_ = h.Subscribe(ctx, "delete", "a", &recorder{})
	if connector.opened() != 2 {
		t.Fatalf("expected a connection per event type, got %d", connector.opened())
	}
}

func TestHub_ConnectedBroadcastAndCatchUp(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	first := &recorder{}
	_ = h.Subscribe(ctx, "update", "first", first)
	if h.State("update") != StateConnecting {
		t.Fatalf("state before report = %s", h.State("update"))
	}

	connector.last().sink.Status(StatusConnected, nil)
	if h.State("update") != StateConnected {
		t.Fatalf("state = %s", h.State("update"))
	}
	if _, states := first.counts(); states != 1 {
		t.Fatalf("first subscriber saw %d states", states)
	}

	late := &recorder{}
	_ = h.Subscribe(ctx, "update", "late", late)
	if _, states := late.counts(); states != 1 || late.states[0] != StateConnected {
		t.Fatalf("late subscriber should get connected immediately, got %v", late.states)
	}
}

func TestHub_ReplacesSubscriberUnderSameID(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	old, replacement := &recorder{}, &recorder{}
	_ = h.Subscribe(ctx, "create", "x", old)
	_ = h.Subscribe(ctx, "create", "x", replacement)
	if h.SubscriberCount("create") != 1 {
		t.Fatalf("expected replacement, count %d", h.SubscriberCount("create"))
	}
	connector.last().sink.Event([]byte(`{"id":"1"}`))
	if n, _ := old.counts(); n != 0 {
		t.Fatalf("replaced subscriber still notified")
	}
	if n, _ := replacement.counts(); n != 1 {
		t.Fatalf("replacement got %d updates", n)
	}
}

func TestHub_EventBroadcastToAll(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	a, b := &recorder{}, &recorder{}
	_ = h.Subscribe(ctx, "create", "a", a)
	_ = h.Subscribe(ctx, "create", "b", b)

	connector.last().sink.Event([]byte(`{"id":"item-1","name":"x"}`))
	for _, r := range []*recorder{a, b} {
		if n, _ := r.counts(); n != 1 {
			t.Fatalf("expected one update, got %d", n)
		}
		if r.updates[0].ID != "item-1" || r.updates[0].EventType != "create" {
			t.Fatalf("unexpected update %+v", r.updates[0])
		}
	}
}

func TestHub_TranslationFailureIsDropped(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	r := &recorder{}
	_ = h.Subscribe(ctx, "create", "a", r)
	c := connector.last()

	c.sink.Event([]byte(`not json`))
	if n, _ := r.counts(); n != 0 {
		t.Fatalf("bad event should be dropped")
	}
	if !h.HasConnection("create") || c.isClosed() {
		t.Fatalf("translation failure must not tear down the connection")
	}
	c.sink.Event([]byte(`{"id":"ok"}`))
	if n, _ := r.counts(); n != 1 {
		t.Fatalf("later events should still arrive")
	}
}

func TestHub_DisconnectClearsSubscribers(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	a, b := &recorder{}, &recorder{}
	_ = h.Subscribe(ctx, "delete", "a", a)
	_ = h.Subscribe(ctx, "delete", "b", b)
	c := connector.last()

	c.sink.Status(StatusDisconnected, nil)
	if h.SubscriberCount("delete") != 0 || h.HasConnection("delete") {
		t.Fatalf("disconnect must clear the registry and release the connection")
	}
	if !c.isClosed() {
		t.Fatalf("connection not closed")
	}
	if h.State("delete") != StateDisconnected {
		t.Fatalf("state = %s", h.State("delete"))
	}
	for _, r := range []*recorder{a, b} {
		if _, s := r.counts(); s != 1 || r.states[0] != StateDisconnected {
			t.Fatalf("expected disconnected notification, got %v", r.states)
		}
	}

	// Late events from the released connection reach nobody.
	c.sink.Event([]byte(`{"id":"late"}`))
	for _, r := range []*recorder{a, b} {
		if n, _ := r.counts(); n != 0 {
			t.Fatalf("event delivered after disconnect")
		}
	}

	fresh := &recorder{}
	if err := h.Subscribe(ctx, "delete", "a", fresh); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if connector.opened() != 2 {
		t.Fatalf("resubscribe should open a new connection")
	}
	c.sink.Event([]byte(`{"id":"stale"}`))
	if n, _ := fresh.counts(); n != 0 {
		t.Fatalf("old connection must not feed the new registry")
	}
	connector.last().sink.Event([]byte(`{"id":"new"}`))
	if n, _ := fresh.counts(); n != 1 {
		t.Fatalf("new connection events should arrive")
	}
}

func TestHub_ErrorForcesDisconnect(t *testing.T) {
	h, connector := newTestHub(t)
	r := &recorder{}
	_ = h.Subscribe(context.Background(), "update", "a", r)
	connector.last().sink.Status(StatusError, errors.New("socket reset"))
	if h.HasConnection("update") || h.SubscriberCount("update") != 0 {
		t.Fatalf("error must force disconnect")
	}
	if r.states[0] != StateDisconnected {
		t.Fatalf("expected disconnected, got %v", r.states)
	}
}

func TestHub_ResubscribeFromDisconnectCallback(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	var resubErr error
	sub := SubscriberFuncs{}
	sub.State = func(s ConnectionState, _ error) {
		if s == StateDisconnected {
			resubErr = h.Subscribe(ctx, "create", "self", SubscriberFuncs{})
		}
	}
	_ = h.Subscribe(ctx, "create", "self", sub)
	connector.last().sink.Status(StatusDisconnected, nil)

	if resubErr != nil {
		t.Fatalf("resubscribe in callback: %v", resubErr)
	}
	if h.SubscriberCount("create") != 1 || !h.HasConnection("create") {
		t.Fatalf("re-subscription from the callback must survive")
	}
}

func TestHub_SubscriberPanicIsContained(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	ok := &recorder{}
	_ = h.Subscribe(ctx, "create", "bad", SubscriberFuncs{Update: func(Update) { panic("boom") }})
	_ = h.Subscribe(ctx, "create", "ok", ok)
	connector.last().sink.Event([]byte(`{"id":"1"}`))
	if n, _ := ok.counts(); n != 1 {
		t.Fatalf("healthy subscriber missed the update")
	}
}

func TestHub_OpenFailure(t *testing.T) {
	h, connector := newTestHub(t)
	connector.err = errors.New("dial refused")
	if err := h.Subscribe(context.Background(), "create", "a", &recorder{}); err == nil {
		t.Fatalf("expected open error")
	}
	if h.SubscriberCount("create") != 0 || h.HasConnection("create") {
		t.Fatalf("failed open must not register the subscriber")
	}
}

func TestHub_UnsubscribeDuringBroadcast(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	other := &recorder{}
	_ = h.Subscribe(ctx, "create", "remover", SubscriberFuncs{Update: func(Update) {
		h.Unsubscribe("create", "other")
	}})
	_ = h.Subscribe(ctx, "create", "other", other)

	// Whichever order the snapshot is walked in, the broadcast must not
	// deadlock or panic.
	connector.last().sink.Event([]byte(`{"id":"1"}`))
	if h.SubscriberCount("create") != 1 {
		t.Fatalf("expected remover only, got %d", h.SubscriberCount("create"))
	}
}

func TestHub_CloseReleasesAll(t *testing.T) {
	h, connector := newTestHub(t)
	ctx := context.Background()
	_ = h.Subscribe(ctx, "create", "a", &recorder{})
	_ = h.Subscribe(ctx, "update", "a", &recorder{})
	h.Close()
	for _, c := range connector.conns {
		if !c.isClosed() {
			t.Fatalf("connection left open")
		}
	}
	if h.HasConnection("create") || h.HasConnection("update") {
		t.Fatalf("hub still reports connections")
	}
}
