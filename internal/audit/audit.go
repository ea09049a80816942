// Package audit keeps an append-only trail of credential changes and
// admission rejections in logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type Log struct {
	mu      sync.Mutex
	file    *os.File
	now     func() time.Time
	rejects atomic.Int64
}

// Open appends to <homeDir>/logs/audit.jsonl, creating it when needed.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// RejectCount returns the number of rejected admissions recorded.
func (l *Log) RejectCount() int64 {
	return l.rejects.Load()
}

func (l *Log) Record(operation, subject, detail string) {
	if operation == "task.rejected" {
		l.rejects.Add(1)
	}
	ev := entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: operation,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

// Follow records credential.* and task.rejected events published on b.
// The returned stop unsubscribes, records whatever was already buffered,
// and waits for the follower to exit.
func (l *Log) Follow(b *bus.Bus) (stop func()) {
	subs := []*bus.Subscription{
		b.Subscribe("credential."),
		b.Subscribe(bus.TopicTaskRejected),
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range sub.Ch() {
				l.recordEvent(ev)
			}
		}()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, sub := range subs {
				b.Unsubscribe(sub)
			}
			wg.Wait()
		})
	}
}

func (l *Log) recordEvent(ev bus.Event) {
	switch {
	case strings.HasPrefix(ev.Topic, "credential."):
		p, _ := ev.Payload.(bus.CredentialEvent)
		detail := ""
		if !p.ExpiresAt.IsZero() {
			detail = "expires_at=" + p.ExpiresAt.UTC().Format(time.RFC3339)
		}
		l.Record(ev.Topic, p.UserID, detail)
	case ev.Topic == bus.TopicTaskRejected:
		p, _ := ev.Payload.(bus.TaskEvent)
		l.Record(ev.Topic, p.Queue, p.Name)
	}
}
