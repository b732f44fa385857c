// Package stats records dialog and message counters off the hot path. The
// engine enqueues small asynq tasks; a worker applies them to Redis hashes.
package stats

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeDialog  = "stats:dialog"
	TypeMessage = "stats:message"

	Queue = "stats"
)

// DialogEvent is recorded when two users are paired.
type DialogEvent struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Sticky bool   `json:"sticky,omitempty"`
	WaitMs int64  `json:"wait_ms"`
	At     int64  `json:"at"`
}

// MessageEvent is recorded for every relayed message.
type MessageEvent struct {
	Sender string `json:"sender"`
	Kind   string `json:"kind"`
	Secret bool   `json:"secret,omitempty"`
	At     int64  `json:"at"`
}

// Recorder accepts counter events. Implementations never block on the
// caller's behalf for long and never fail the caller.
type Recorder interface {
	Dialog(ctx context.Context, e DialogEvent)
	Message(ctx context.Context, e MessageEvent)
}

// ---------------------------------------------------------------------------
// asynq
// ---------------------------------------------------------------------------

// AsynqRecorder enqueues one task per event.
type AsynqRecorder struct {
	client *asynq.Client
}

// NewAsynqRecorder connects an asynq client to Redis.
func NewAsynqRecorder(opt asynq.RedisClientOpt) *AsynqRecorder {
	return &AsynqRecorder{client: asynq.NewClient(opt)}
}

func (r *AsynqRecorder) Dialog(ctx context.Context, e DialogEvent) {
	r.enqueue(ctx, TypeDialog, e)
}

func (r *AsynqRecorder) Message(ctx context.Context, e MessageEvent) {
	r.enqueue(ctx, TypeMessage, e)
}

func (r *AsynqRecorder) enqueue(ctx context.Context, typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("[stats] marshal %s: %v", typ, err)
		return
	}
	task := asynq.NewTask(typ, payload)
	if _, err := r.client.EnqueueContext(ctx, task, asynq.Queue(Queue), asynq.MaxRetry(3), asynq.Timeout(10*time.Second)); err != nil {
		log.Printf("[stats] enqueue %s: %v", typ, err)
	}
}

// Close releases the asynq client.
func (r *AsynqRecorder) Close() error {
	return r.client.Close()
}

// ---------------------------------------------------------------------------
// No-op and in-memory
// ---------------------------------------------------------------------------

// Discard drops every event.
type Discard struct{}

func (Discard) Dialog(context.Context, DialogEvent)   {}
func (Discard) Message(context.Context, MessageEvent) {}

// Memory keeps events in memory for tests.
type Memory struct {
	mu       sync.Mutex
	dialogs  []DialogEvent
	messages []MessageEvent
}

func (m *Memory) Dialog(_ context.Context, e DialogEvent) {
	m.mu.Lock()
	m.dialogs = append(m.dialogs, e)
	m.mu.Unlock()
}

func (m *Memory) Message(_ context.Context, e MessageEvent) {
	m.mu.Lock()
	m.messages = append(m.messages, e)
	m.mu.Unlock()
}

// Dialogs returns the recorded dialog events.
func (m *Memory) Dialogs() []DialogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DialogEvent(nil), m.dialogs...)
}

// Messages returns the recorded message events.
func (m *Memory) Messages() []MessageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MessageEvent(nil), m.messages...)
}
