package pairing

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/anonchat/internal/clock"
)

func newTestRegistry() (*Registry, *clock.FakeClock) {
	c := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRegistry(c, 15*time.Minute), c
}

func TestPair_Symmetric(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.Pair("a", "b"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	pa, okA := r.PartnerOf("a")
	pb, okB := r.PartnerOf("b")
	if !okA || !okB || pa != "b" || pb != "a" {
		t.Fatalf("PartnerOf not symmetric: a->%q(%v) b->%q(%v)", pa, okA, pb, okB)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestPair_Rejections(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.Pair("a", "a"); !errors.Is(err, ErrSelfPair) {
		t.Errorf("self pair error = %v", err)
	}
	if err := r.Pair("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := r.Pair("a", "c"); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("re-pair a error = %v", err)
	}
	if err := r.Pair("c", "b"); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("re-pair b error = %v", err)
	}
	if r.InChat("c") {
		t.Error("failed pair must not leave c in chat")
	}
}

func TestEnd_Idempotent(t *testing.T) {
	r, _ := newTestRegistry()
	_ = r.Pair("a", "b")

	partner, ok := r.End("b")
	if !ok || partner != "a" {
		t.Fatalf("End(b) = %q, %v", partner, ok)
	}
	if r.InChat("a") || r.InChat("b") {
		t.Fatal("both sides must be removed")
	}
	if _, ok := r.End("b"); ok {
		t.Error("second End should report no pair")
	}
	if _, ok := r.End("a"); ok {
		t.Error("End from the other side should also be a no-op")
	}
}

func TestLastPartner_Grace(t *testing.T) {
	r, c := newTestRegistry()
	_ = r.Pair("a", "b")
	r.End("a")

	if lp, ok := r.LastPartner("a"); !ok || lp != "b" {
		t.Fatalf("LastPartner(a) = %q, %v", lp, ok)
	}
	if lp, ok := r.LastPartner("b"); !ok || lp != "a" {
		t.Fatalf("LastPartner(b) = %q, %v", lp, ok)
	}

	c.Advance(15 * time.Minute)
	if _, ok := r.LastPartner("a"); ok {
		t.Error("last partner should expire after the grace period")
	}
	if n := r.PruneLast(); n != 1 {
		t.Errorf("PruneLast removed %d, want 1 (b's record)", n)
	}
}

func TestConcurrentPairEnd(t *testing.T) {
	r, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
			_ = r.Pair(a, b)
			r.End(a)
			r.End(b)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
