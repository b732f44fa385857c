package engine

import (
	"encoding/json"
	"testing"

	"github.com/whisper/anonchat/internal/protocol"
)

type fakeSource struct {
	shard   int
	handler func([]byte)
}

func (s *fakeSource) SubscribeCommands(shard int, handler func(data []byte)) error {
	s.shard = shard
	s.handler = handler
	return nil
}

func frame(t *testing.T, userID, raw string) protocol.Inbound {
	t.Helper()
	return protocol.Inbound{UserID: userID, Frame: json.RawMessage(raw)}
}

func TestEngine_LanesKeepPerUserOrder(t *testing.T) {
	h := newHarness(t)
	h.eng.Start()

	for i := 0; i < 20; i++ {
		h.eng.Submit(frame(t, "a", `{"type":"search"}`))
		h.eng.Submit(frame(t, "a", `{"type":"cancel_search"}`))
	}
	h.eng.Submit(frame(t, "a", `{"type":"search"}`))
	h.eng.Stop()

	if !h.eng.queue.Queued("a") {
		t.Fatal("last command in order was a search")
	}
	if n := h.count("a", textSearchCancelled); n != 20 {
		t.Errorf("cancel notices = %d, want 20", n)
	}

	before := len(h.tr.Inbox("a"))
	h.eng.Submit(frame(t, "a", `{"type":"cancel_search"}`))
	if len(h.tr.Inbox("a")) != before {
		t.Error("commands after Stop should be dropped")
	}
}

func TestEngine_SubmitBeforeStartRunsInline(t *testing.T) {
	h := newHarness(t)
	h.eng.Submit(frame(t, "a", `{"type":"search"}`))
	if !h.eng.queue.Queued("a") {
		t.Error("inline submit should have queued a")
	}
}

func TestEngine_ServeDecodesEnvelopes(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{}
	if err := h.eng.Serve(src, 3); err != nil {
		t.Fatal(err)
	}
	if src.shard != 3 {
		t.Fatalf("subscribed to shard %d", src.shard)
	}

	src.handler([]byte("not json"))
	data, _ := json.Marshal(frame(t, "a", `{"type":"search","mode":"random"}`))
	src.handler(data)
	data, _ = json.Marshal(protocol.Inbound{UserID: "a", Disconnect: true})
	src.handler(data)

	if h.eng.queue.Queued("a") {
		t.Error("disconnect envelope should have removed a")
	}
	if !h.got("a", textSearching) {
		t.Error("search envelope was not handled")
	}
}
