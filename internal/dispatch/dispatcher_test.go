package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/ratelimit"
	"github.com/whisper/anonchat/internal/transport"
)

type fixture struct {
	d     *Dispatcher
	tr    *transport.Memory
	clock *clock.FakeClock
}

func newFixture(buckets ratelimit.BucketConfig) *fixture {
	c := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := transport.NewMemory()
	cfg := DefaultConfig()
	cfg.MaxJitter = 0
	cfg.BackoffJitter = 0
	cfg.BaseBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = time.Second
	d := New(tr, ratelimit.NewBuckets(c, buckets), c, cfg)
	return &fixture{d: d, tr: tr, clock: c}
}

func generous() ratelimit.BucketConfig {
	return ratelimit.BucketConfig{GlobalRate: 1000, GlobalBurst: 1000, UserRate: 1000, UserBurst: 1000}
}

type sendResult struct {
	id  string
	err error
}

// sendAsync runs Send in the background; the test drives the clock.
func (f *fixture) sendAsync(uid string) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		id, err := f.d.Send(context.Background(), uid, chat.Notice("hi"))
		out <- sendResult{id, err}
	}()
	return out
}

func (f *fixture) advanceWaits(waits ...time.Duration) {
	for _, w := range waits {
		f.clock.BlockUntil(1)
		f.clock.Advance(w)
	}
}

func TestSend_Delivers(t *testing.T) {
	f := newFixture(generous())
	id, err := f.d.Send(context.Background(), "u1", chat.Notice("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if last, ok := f.tr.Last("u1"); !ok || last.MessageID != id {
		t.Errorf("inbox last = %+v", last)
	}
}

func TestSend_DropsWithoutToken(t *testing.T) {
	f := newFixture(ratelimit.BucketConfig{GlobalRate: 100, GlobalBurst: 100, UserRate: 1, UserBurst: 1})
	if _, err := f.d.Send(context.Background(), "u1", chat.Notice("1")); err != nil {
		t.Fatal(err)
	}
	_, err := f.d.Send(context.Background(), "u1", chat.Notice("2"))
	if !errors.Is(err, ErrDropped) {
		t.Fatalf("second send error = %v, want ErrDropped", err)
	}
	if n := f.tr.Attempts("u1"); n != 1 {
		t.Errorf("transport attempts = %d, dropped send must not reach the transport", n)
	}
}

func TestSend_RetriesAfterThrottle(t *testing.T) {
	f := newFixture(generous())
	f.tr.Fail("u1", &transport.ThrottledError{RetryAfter: 2 * time.Second})

	res := f.sendAsync("u1")
	f.advanceWaits(2 * time.Second)

	r := <-res
	if r.err != nil {
		t.Fatalf("Send: %v", r.err)
	}
	if n := f.tr.Attempts("u1"); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestSend_ThrottleRetriesBounded(t *testing.T) {
	f := newFixture(generous())
	thr := &transport.ThrottledError{RetryAfter: time.Second}
	f.tr.Fail("u1", thr, thr, thr, thr)

	res := f.sendAsync("u1")
	f.advanceWaits(time.Second, time.Second, time.Second)

	r := <-res
	if !errors.Is(r.err, ErrDropped) {
		t.Fatalf("error = %v, want ErrDropped", r.err)
	}
	if n := f.tr.Attempts("u1"); n != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", n)
	}
}

func TestSend_TransientBackoff(t *testing.T) {
	f := newFixture(generous())
	boom := errors.New("connection reset")
	f.tr.Fail("u1", boom, boom)

	res := f.sendAsync("u1")
	// 100ms then 200ms.
	f.advanceWaits(100*time.Millisecond, 200*time.Millisecond)

	r := <-res
	if r.err != nil {
		t.Fatalf("Send: %v", r.err)
	}
	if n := f.tr.Attempts("u1"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestSend_TransientExhaustedDropsSilently(t *testing.T) {
	f := newFixture(generous())
	boom := errors.New("timeout")
	f.tr.Fail("u1", boom, boom, boom, boom, boom)

	var unreachable []string
	f.d.OnUnreachable(func(uid string) { unreachable = append(unreachable, uid) })

	res := f.sendAsync("u1")
	f.advanceWaits(100*time.Millisecond, 200*time.Millisecond, 400*time.Millisecond)

	r := <-res
	if !errors.Is(r.err, ErrDropped) {
		t.Fatalf("error = %v, want ErrDropped", r.err)
	}
	if len(unreachable) != 0 {
		t.Error("transient errors must not tear down the pair")
	}
}

func TestSend_PermanentCallsHook(t *testing.T) {
	f := newFixture(generous())
	f.tr.Gone("u1")

	var got []string
	f.d.OnUnreachable(func(uid string) { got = append(got, uid) })

	_, err := f.d.Send(context.Background(), "u1", chat.Notice("hi"))
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("error = %v, want ErrUnreachable", err)
	}
	if len(got) != 1 || got[0] != "u1" {
		t.Errorf("hook calls = %v", got)
	}
	if n := f.tr.Attempts("u1"); n != 1 {
		t.Errorf("permanent failure retried: %d attempts", n)
	}
}

func TestSend_ContextCancelledDuringBackoff(t *testing.T) {
	f := newFixture(generous())
	f.tr.Fail("u1", errors.New("reset"))

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		_, err := f.d.Send(ctx, "u1", chat.Notice("hi"))
		res <- err
	}()
	f.clock.BlockUntil(1)
	cancel()

	if err := <-res; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestErase(t *testing.T) {
	f := newFixture(generous())
	id, _ := f.d.Send(context.Background(), "u1", chat.Notice("hi"))
	f.d.Erase(context.Background(), "u1", id)

	if last, _ := f.tr.Last("u1"); !last.Deleted {
		t.Error("message should be deleted")
	}
}

func TestTransientBackOff(t *testing.T) {
	f := newFixture(generous())
	f.d.cfg.MaxTransientRetries = 6
	b := f.d.transientBackOff()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		backoff.Stop,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("wait %d = %s, want %s", i+1, got, w)
		}
	}
}

func TestTransientBackOff_Jitter(t *testing.T) {
	f := newFixture(generous())
	f.d.cfg.BackoffJitter = 0.5
	b := f.d.transientBackOff()

	got := b.NextBackOff()
	if got < 50*time.Millisecond || got > 150*time.Millisecond+time.Nanosecond {
		t.Errorf("first wait = %s, want within 100ms ± 50%%", got)
	}
}
