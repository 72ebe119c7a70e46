// Package audit writes the security audit trail of a NornicBolt server.
//
// Every authentication attempt made through a Bolt INIT, every password
// change and every administrative termination of connections is appended to
// the trail as one JSON object per line. The file is append-only; entries
// are never rewritten.
//
// Example:
//
//	logger, err := audit.NewLogger(cfg.Audit)
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	logger.SetAlertCallback(func(e audit.Event) {
//		zapLogger.Warn("security alert", zap.String("user", e.Username))
//	}, audit.EventLoginFailed)
//
//	logger.LogAuth(audit.EventLogin, "neo4j", "neo4j-java/1.7", true, "")
//
// A nil *Logger is valid and discards every event.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/config"
)

// EventType classifies an audit event.
type EventType string

const (
	EventLogin              EventType = "LOGIN"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventPasswordChange     EventType = "PASSWORD_CHANGE"
	EventCredentialsExpired EventType = "CREDENTIALS_EXPIRED"
	EventAccessDenied       EventType = "ACCESS_DENIED"
	EventTerminate          EventType = "TERMINATE"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit logger is closed")

// Event is one entry of the audit trail.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Username  string `json:"username,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Logger appends events to the audit trail.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	sync     bool
	sequence uint64
	closed   bool
	now      func() time.Time

	alert   func(Event)
	alertOn []EventType
}

// NewLogger opens the trail at cfg.Path. It returns nil when auditing is
// disabled.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, errors.Wrap(err, "create audit log directory")
	}
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	l := NewLoggerWithWriter(file)
	l.file = file
	l.sync = cfg.SyncWrites
	return l, nil
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(w io.Writer) *Logger {
	return &Logger{writer: w, now: time.Now}
}

// SetAlertCallback calls fn for every logged event whose type is one of
// types.
func (l *Logger) SetAlertCallback(fn func(Event), types ...EventType) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alert = fn
	l.alertOn = slices.Clone(types)
}

// Log appends event. The timestamp and id are filled in when empty.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode audit event")
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "write audit event")
	}
	if l.sync && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, "sync audit log")
		}
	}

	if l.alert != nil && slices.Contains(l.alertOn, event.Type) {
		l.alert(event)
	}
	return nil
}

// LogAuth logs an authentication event.
func (l *Logger) LogAuth(eventType EventType, username, userAgent string, success bool, reason string) error {
	return l.Log(Event{
		Type:      eventType,
		Username:  username,
		UserAgent: userAgent,
		Success:   success,
		Reason:    reason,
	})
}

// Close closes the trail. Further Log calls fail with ErrClosed.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query selects events from a trail. Zero fields match everything.
type Query struct {
	Types    []EventType
	Username string
	Start    time.Time
	End      time.Time
	// FailedOnly keeps unsuccessful events
	FailedOnly bool
	Limit      int
}

func (q Query) matches(e Event) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
		return false
	}
	if q.Username != "" && e.Username != q.Username {
		return false
	}
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	return !q.FailedOnly || !e.Success
}

// ReadEvents returns the events of the trail read from r that match q, in
// the order they were logged.
func ReadEvents(r io.Reader, q Query) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errors.Wrapf(err, "audit log line %d", line)
		}
		if !q.matches(e) {
			continue
		}
		events = append(events, e)
		if q.Limit > 0 && len(events) >= q.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read audit log")
	}
	return events, nil
}

// ReadFile is ReadEvents over the trail at path.
func ReadFile(path string, q Query) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	defer f.Close()
	return ReadEvents(f, q)
}
