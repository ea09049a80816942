// Package wsstream is the websocket live-event transport behind the
// subscription hub. One websocket carries one event type.
//
// Frames are JSON objects with a "type" of connection_ack, data, error or
// complete. data frames carry the event in "payload".
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/authcore/internal/subscription"
)

const (
	FrameConnectionAck = "connection_ack"
	FrameData          = "data"
	FrameError         = "error"
	FrameComplete      = "complete"

	defaultDialTimeout = 10 * time.Second
	readLimit          = 1 << 20
)

// Frame is the wire envelope.
type Frame struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type Config struct {
	URL         string
	Token       func() string // bearer token for new connections; optional
	DialTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Connector dials one websocket per subscribed event type.
type Connector struct {
	url         string
	token       func() string
	dialTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ subscription.Connector = (*Connector)(nil)

func New(cfg Config) (*Connector, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsstream: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("wsstream: unsupported scheme %q", u.Scheme)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		url:         cfg.URL,
		token:       cfg.Token,
		dialTimeout: cfg.DialTimeout,
		httpClient:  cfg.HTTPClient,
		logger:      logger.With("component", "wsstream"),
	}, nil
}

// Open starts dialing in the background and returns at once. The sink hears
// StatusConnected after the server acknowledges, and StatusDisconnected or
// StatusError when the stream ends for any reason other than Close.
func (c *Connector) Open(ctx context.Context, eventType string, sink subscription.Sink) (subscription.Connection, error) {
	target, err := c.endpoint(eventType)
	if err != nil {
		return nil, err
	}
	// The stream outlives the subscribe call; only Close ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		eventType: eventType,
		sink:      sink,
		cancel:    cancel,
		logger:    c.logger.With("event_type", eventType),
	}
	go s.run(runCtx, c, target)
	return s, nil
}

func (c *Connector) endpoint(eventType string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("wsstream: parse url: %w", err)
	}
	q := u.Query()
	q.Set("event_type", eventType)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type stream struct {
	eventType string
	sink      subscription.Sink
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *stream) run(ctx context.Context, c *Connector, target string) {
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, opts)
	cancelDial()
	if err != nil {
		s.report(subscription.StatusError, fmt.Errorf("dial %s stream: %w", s.eventType, err))
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			status := subscription.StatusError
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				status = subscription.StatusDisconnected
				err = nil
			}
			s.report(status, err)
			return
		}
		switch f.Type {
		case FrameConnectionAck:
			s.report(subscription.StatusConnected, nil)
		case FrameData:
			if s.isClosed() {
				return
			}
			s.sink.Event(f.Payload)
		case FrameError:
			s.report(subscription.StatusError, errors.New(f.Message))
			_ = conn.Close(websocket.StatusNormalClosure, "error frame")
			return
		case FrameComplete:
			s.report(subscription.StatusDisconnected, nil)
			_ = conn.Close(websocket.StatusNormalClosure, "complete")
			return
		default:
			s.logger.Debug("ignoring unknown frame", "type", f.Type)
		}
	}
}

// report forwards a status unless the hub already closed this stream.
func (s *stream) report(status subscription.Status, err error) {
	if s.isClosed() {
		return
	}
	s.sink.Status(status, err)
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the stream without reporting to the sink.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
	s.cancel()
	return nil
}
