package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/codewiresh/jupyterwire/internal/protocol"
)

// --- Event Types ---

// EventType is the discriminator for session events.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionStatus    EventType = "session.status"
	EventSessionRestarted EventType = "session.restarted"
	EventSessionOutput    EventType = "session.output"
	EventSessionClosed    EventType = "session.closed"
)

// Event is a typed, timestamped session event.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// --- Event Data Types ---

type CreatedData struct {
	KernelName string `json:"kernel_name"`
	WorkingDir string `json:"working_dir"`
}

type StatusData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RestartedData struct {
	KernelName string `json:"kernel_name"`
	Changed    bool   `json:"changed"` // kernel spec switched
}

type ClosedData struct {
	Reason string `json:"reason,omitempty"`
}

// --- Event Constructors ---

func newEvent(t EventType, v any) Event {
	data, _ := json.Marshal(v)
	return Event{Timestamp: time.Now().UTC(), Type: t, Data: data}
}

func NewCreatedEvent(kernelName, workingDir string) Event {
	return newEvent(EventSessionCreated, CreatedData{KernelName: kernelName, WorkingDir: workingDir})
}

func NewStatusEvent(from, to string) Event {
	return newEvent(EventSessionStatus, StatusData{From: from, To: to})
}

func NewRestartedEvent(kernelName string, changed bool) Event {
	return newEvent(EventSessionRestarted, RestartedData{KernelName: kernelName, Changed: changed})
}

func NewOutputEvent(out protocol.Output) Event {
	return newEvent(EventSessionOutput, out)
}

func NewClosedEvent(reason string) Event {
	return newEvent(EventSessionClosed, ClosedData{Reason: reason})
}

// --- EventLog: per-session events.jsonl ---

// EventLog appends session events to a JSONL file.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventLog opens or creates an event log at the given path.
func NewEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &EventLog{file: f}, nil
}

// Append writes an event to the log.
func (l *EventLog) Append(se SessionEvent) error {
	data, err := json.Marshal(se)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.file.Write(data)
	return err
}

// ReadEventLog reads the events of one session, or of all sessions when
// sessionID is nil. Corrupt lines are skipped.
func ReadEventLog(path string, sessionID *uint32) ([]SessionEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []SessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var se SessionEvent
		if err := json.Unmarshal(scanner.Bytes(), &se); err != nil {
			continue
		}
		if sessionID != nil && se.SessionID != *sessionID {
			continue
		}
		events = append(events, se)
	}
	return events, scanner.Err()
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// --- SubscriptionManager ---

// Subscription filters and receives events.
type Subscription struct {
	ID         uint64
	SessionID  *uint32
	Tags       []string
	EventTypes []EventType
	Ch         chan SessionEvent
}

// SessionEvent pairs an event with its session ID for subscription dispatch.
type SessionEvent struct {
	SessionID uint32 `json:"session_id"`
	Event     Event  `json:"event"`
}

// SubscriptionManager tracks active subscriptions and dispatches events.
type SubscriptionManager struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewSubscriptionManager creates a ready-to-use manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[uint64]*Subscription)}
}

// Subscribe creates a subscription. Nil or empty filters match everything;
// tags match when any tag is shared.
func (m *SubscriptionManager) Subscribe(sessionID *uint32, tags []string, eventTypes []EventType) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	sub := &Subscription{
		ID:         id,
		SessionID:  sessionID,
		Tags:       tags,
		EventTypes: eventTypes,
		Ch:         make(chan SessionEvent, 256),
	}
	m.subs[id] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (m *SubscriptionManager) Unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		close(sub.Ch)
		delete(m.subs, id)
	}
}

// Publish dispatches an event to all matching subscriptions. Slow
// subscribers lose events rather than blocking the publisher.
func (m *SubscriptionManager) Publish(sessionID uint32, tags []string, event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	se := SessionEvent{SessionID: sessionID, Event: event}
	for _, sub := range m.subs {
		if !sub.matches(sessionID, tags, event.Type) {
			continue
		}
		select {
		case sub.Ch <- se:
		default:
		}
	}
}

func (s *Subscription) matches(sessionID uint32, tags []string, eventType EventType) bool {
	if s.SessionID != nil && *s.SessionID != sessionID {
		return false
	}
	if len(s.Tags) > 0 && !slices.ContainsFunc(s.Tags, func(t string) bool { return slices.Contains(tags, t) }) {
		return false
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, eventType) {
		return false
	}
	return true
}
