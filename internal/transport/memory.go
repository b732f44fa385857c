package transport

import (
	"context"
	"strconv"
	"sync"

	"github.com/whisper/anonchat/internal/chat"
)

// Sent is one message recorded by Memory.
type Sent struct {
	UserID    string
	MessageID string
	Message   chat.Outbound
	Deleted   bool
}

// Memory is an in-process Transport for tests. Failures queued with Fail
// are returned by the next calls to Send for that user, in order.
type Memory struct {
	mu       sync.Mutex
	seq      int
	sent     []*Sent
	failures map[string][]error
	attempts map[string]int
	gone     map[string]bool
	erased   map[string][]string
}

// NewMemory returns an empty Memory transport.
func NewMemory() *Memory {
	return &Memory{
		failures: make(map[string][]error),
		attempts: make(map[string]int),
		gone:     make(map[string]bool),
		erased:   make(map[string][]string),
	}
}

// Fail queues errs for the next sends to userID.
func (m *Memory) Fail(userID string, errs ...error) {
	m.mu.Lock()
	m.failures[userID] = append(m.failures[userID], errs...)
	m.mu.Unlock()
}

// Gone makes every further send to userID fail with ErrUnreachable.
func (m *Memory) Gone(userID string) {
	m.mu.Lock()
	m.gone[userID] = true
	m.mu.Unlock()
}

func (m *Memory) Send(_ context.Context, userID string, msg chat.Outbound) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[userID]++
	if m.gone[userID] {
		return "", ErrUnreachable
	}
	if q := m.failures[userID]; len(q) > 0 {
		m.failures[userID] = q[1:]
		return "", q[0]
	}
	m.seq++
	id := strconv.Itoa(m.seq)
	m.sent = append(m.sent, &Sent{UserID: userID, MessageID: id, Message: msg})
	return id, nil
}

func (m *Memory) Delete(_ context.Context, userID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.erased[userID] = append(m.erased[userID], messageID)
	for _, s := range m.sent {
		if s.UserID == userID && s.MessageID == messageID {
			s.Deleted = true
			return nil
		}
	}
	return nil
}

// Inbox returns copies of the messages delivered to userID.
func (m *Memory) Inbox(userID string) []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sent
	for _, s := range m.sent {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out
}

// Last returns the most recent message delivered to userID.
func (m *Memory) Last(userID string) (Sent, bool) {
	in := m.Inbox(userID)
	if len(in) == 0 {
		return Sent{}, false
	}
	return in[len(in)-1], true
}

// Erased returns every message ID deleted for userID, in order, including
// IDs this transport never sent (the user's own copies).
func (m *Memory) Erased(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.erased[userID]...)
}

// Attempts returns how many sends to userID were tried.
func (m *Memory) Attempts(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[userID]
}

// Reset forgets every recorded message.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}
