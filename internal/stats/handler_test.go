package stats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		client.Del(ctx, dayKey(testDay.UnixMilli()), userPrefix+"test_a", userPrefix+"test_b")
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewHandler(client)
}

// A fixed day far in the past so the test never touches live counters.
var testDay = time.Date(2001, 2, 3, 12, 0, 0, 0, time.UTC)

func task(t *testing.T, typ string, v any) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(typ, payload)
}

func TestHandler_Counters(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	at := testDay.UnixMilli()

	if err := h.handleDialog(ctx, task(t, TypeDialog, DialogEvent{A: "test_a", B: "test_b", Sticky: true, WaitMs: 1500, At: at})); err != nil {
		t.Fatalf("handleDialog: %v", err)
	}
	for _, kind := range []string{"text", "text", "photo"} {
		if err := h.handleMessage(ctx, task(t, TypeMessage, MessageEvent{Sender: "test_a", Kind: kind, At: at})); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}

	got, err := h.Daily(ctx, testDay)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{
		"dialogs":        1,
		"rematches":      1,
		"wait_ms_total":  1500,
		"messages":       3,
		"messages:text":  2,
		"messages:photo": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestHandler_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewHandler(nil)
	err := h.handleDialog(context.Background(), asynq.NewTask(TypeDialog, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
}

func TestMemory(t *testing.T) {
	var m Memory
	var r Recorder = &m
	r.Dialog(context.Background(), DialogEvent{A: "a", B: "b"})
	r.Message(context.Background(), MessageEvent{Sender: "a", Kind: "text"})
	if len(m.Dialogs()) != 1 || len(m.Messages()) != 1 {
		t.Errorf("dialogs=%d messages=%d", len(m.Dialogs()), len(m.Messages()))
	}
}
