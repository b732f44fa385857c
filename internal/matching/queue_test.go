package matching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/pairing"
	"github.com/whisper/anonchat/internal/policy"
)

func newTestMatchmaker() (*Matchmaker, *pairing.Registry, *clock.FakeClock) {
	c := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	pairs := pairing.NewRegistry(c, 0)
	return NewMatchmaker(c, DefaultConfig(), pairs), pairs, c
}

func random(uid string) Candidate {
	return Candidate{UserID: uid, Mode: ModeRandom, Profile: policy.Profile{UserID: uid}}
}

func mustEnqueue(t *testing.T, m *Matchmaker, c Candidate) Result {
	t.Helper()
	res, err := m.Enqueue(c)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", c.UserID, err)
	}
	return res
}

func TestEnqueue_TwoUsersMatch(t *testing.T) {
	m, pairs, c := newTestMatchmaker()

	if res := mustEnqueue(t, m, random("a")); res.Status != Queued {
		t.Fatalf("first user status = %s, want queued", res.Status)
	}
	c.Advance(3 * time.Second)
	res := mustEnqueue(t, m, random("b"))
	if res.Status != Matched || res.Partner != "a" {
		t.Fatalf("second user result = %+v, want matched with a", res)
	}
	if res.Waited != 3*time.Second {
		t.Errorf("Waited = %s, want 3s", res.Waited)
	}
	if m.Len() != 0 {
		t.Errorf("queue should be empty, has %d", m.Len())
	}
	if p, _ := pairs.PartnerOf("a"); p != "b" {
		t.Errorf("registry partner of a = %q", p)
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	m, _, _ := newTestMatchmaker()

	mustEnqueue(t, m, Candidate{UserID: "a", Mode: ModeFiltered, Profile: policy.Profile{Preference: "f"}})
	if res := mustEnqueue(t, m, random("a")); res.Status != AlreadyQueued {
		t.Fatalf("re-enqueue status = %s, want already_queued", res.Status)
	}
	if m.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", m.Len())
	}
}

func TestEnqueue_AlreadyPaired(t *testing.T) {
	m, _, _ := newTestMatchmaker()
	mustEnqueue(t, m, random("a"))
	mustEnqueue(t, m, random("b"))

	if res := mustEnqueue(t, m, random("a")); res.Status != AlreadyPaired {
		t.Fatalf("status = %s, want already_paired", res.Status)
	}
	if m.Queued("a") {
		t.Fatal("a must not be queued while paired")
	}
}

func TestEnqueue_FirstMutualMatchWins(t *testing.T) {
	m, _, _ := newTestMatchmaker()

	// w1 and w2 only want "f"; w3 accepts anyone.
	mustEnqueue(t, m, Candidate{UserID: "w1", Mode: ModeFiltered, Profile: policy.Profile{Preference: "f"}})
	mustEnqueue(t, m, Candidate{UserID: "w2", Mode: ModeFiltered, Profile: policy.Profile{Preference: "f"}})
	mustEnqueue(t, m, random("w3"))

	res := mustEnqueue(t, m, Candidate{UserID: "x", Mode: ModeRandom, Profile: policy.Profile{Gender: "m"}})
	if res.Status != Matched || res.Partner != "w3" {
		t.Fatalf("result = %+v, want matched with w3", res)
	}
	// Rejected candidates rotate to the back but stay queued.
	got := m.Waiting()
	if len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Errorf("waiting = %v, want [w1 w2]", got)
	}
}

func TestEnqueue_NoMatchAppends(t *testing.T) {
	m, _, _ := newTestMatchmaker()
	mustEnqueue(t, m, Candidate{UserID: "a", Mode: ModeFiltered, Profile: policy.Profile{Preference: "f"}})

	res := mustEnqueue(t, m, Candidate{UserID: "b", Mode: ModeRandom, Profile: policy.Profile{Gender: "m"}})
	if res.Status != Queued {
		t.Fatalf("status = %s, want queued", res.Status)
	}
	if got := m.Waiting(); len(got) != 2 || got[1] != "b" {
		t.Errorf("waiting = %v", got)
	}
}

func TestCancel(t *testing.T) {
	m, _, _ := newTestMatchmaker()
	mustEnqueue(t, m, random("a"))

	if !m.Cancel("a") {
		t.Fatal("Cancel should report a was queued")
	}
	if m.Cancel("a") {
		t.Error("second Cancel should report nothing")
	}
	if res := mustEnqueue(t, m, random("b")); res.Status != Queued {
		t.Errorf("b should wait alone, got %s", res.Status)
	}
}

// ---------------------------------------------------------------------------
// Sticky rematch
// ---------------------------------------------------------------------------

func TestSticky_PairsOverCompetingWaiter(t *testing.T) {
	m, pairs, _ := newTestMatchmaker()

	m.Intend("a", "b")
	if !m.Intend("b", "a") {
		t.Fatal("second intent should be mutual")
	}

	mustEnqueue(t, m, random("c")) // competing waiter, compatible with everyone
	if res := mustEnqueue(t, m, random("a")); res.Status != Queued {
		t.Fatalf("a should wait reserved for b, got %+v", res)
	}
	res := mustEnqueue(t, m, random("b"))
	if res.Status != Matched || res.Partner != "a" || !res.Sticky {
		t.Fatalf("b result = %+v, want sticky match with a", res)
	}
	if pairs.InChat("c") {
		t.Error("c must not be paired")
	}
	if m.HasIntent("a", "b") || m.HasIntent("b", "a") {
		t.Error("intents must be consumed")
	}
}

func TestSticky_OneWayIntentMatchesGenerically(t *testing.T) {
	m, _, _ := newTestMatchmaker()

	m.Intend("a", "b")
	mustEnqueue(t, m, random("c"))
	res := mustEnqueue(t, m, random("a"))
	if res.Status != Matched || res.Partner != "c" || res.Sticky {
		t.Fatalf("one-way intent must not reserve a, got %+v", res)
	}
}

func TestSticky_BypassesFilters(t *testing.T) {
	m, _, _ := newTestMatchmaker()
	strict := Candidate{UserID: "a", Mode: ModeFiltered, Profile: policy.Profile{Preference: "f", VerifiedOnly: true}}
	other := Candidate{UserID: "b", Mode: ModeRandom, Profile: policy.Profile{Gender: "m"}}

	m.Intend("a", "b")
	m.Intend("b", "a")
	mustEnqueue(t, m, other)
	res := mustEnqueue(t, m, strict)
	if res.Status != Matched || !res.Sticky {
		t.Fatalf("result = %+v, want sticky match despite filters", res)
	}
}

func TestSticky_ReservationEndsOnWithdraw(t *testing.T) {
	m, _, _ := newTestMatchmaker()
	m.Intend("a", "b")
	m.Intend("b", "a")
	mustEnqueue(t, m, random("a"))

	if res := mustEnqueue(t, m, random("c")); res.Status != Queued {
		t.Fatalf("reserved a must not be taken, got %+v", res)
	}
	m.Withdraw("b", "a")
	res := mustEnqueue(t, m, random("d"))
	if res.Status != Matched || res.Partner != "a" {
		t.Fatalf("after withdraw a should be matchable, got %+v", res)
	}
}

func TestSticky_IntentExpires(t *testing.T) {
	m, _, c := newTestMatchmaker()
	m.Intend("a", "b")
	m.Intend("b", "a")
	c.Advance(DefaultConfig().StickyTTL)

	if m.HasIntent("a", "b") {
		t.Error("intent should expire")
	}
	if n := m.PruneIntents(); n != 2 {
		t.Errorf("PruneIntents = %d, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestEnqueue_ConcurrentNeverQueuedAndPaired(t *testing.T) {
	m, pairs, _ := newTestMatchmaker()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", i)
			if _, err := m.Enqueue(random(uid)); err != nil {
				t.Errorf("Enqueue: %v", err)
			}
			if i%7 == 0 {
				m.Cancel(uid)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		uid := fmt.Sprintf("u%d", i)
		if m.Queued(uid) && pairs.InChat(uid) {
			t.Fatalf("%s is both queued and paired", uid)
		}
		if p, ok := pairs.PartnerOf(uid); ok {
			if back, _ := pairs.PartnerOf(p); back != uid {
				t.Fatalf("asymmetric pair %s -> %s -> %s", uid, p, back)
			}
		}
	}
	if m.Len() > 1 {
		t.Errorf("random-mode users left waiting: %v", m.Waiting())
	}
}
