package clock

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestWrap_AfterFunc(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := Wrap(fc)

	fired := make(chan struct{})
	c.AfterFunc(time.Second, func() { close(fired) })
	stopped := c.AfterFunc(time.Second, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer should report true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	fc.Advance(time.Second)
	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("callback did not fire")
	}
	if stopped.Stop() {
		t.Error("second Stop should report false")
	}
}

func TestWrap_NowAndAfter(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	c := Wrap(fc)
	if !c.Now().Equal(start) {
		t.Fatalf("Now = %v", c.Now())
	}
	ch := c.After(time.Minute)
	fc.Advance(time.Minute)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Errorf("After delivered %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
