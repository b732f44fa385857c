package chat

import "sync"

// TranscriptSize is the number of recent lines retained per pair for abuse
// reports.
const TranscriptSize = 5

// Line is one relayed text message kept for report context.
type Line struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Transcripts keeps the last few relayed lines of every active pair in a
// fixed-size ring. Secret-mode messages are never added.
type Transcripts struct {
	mu    sync.Mutex
	rings map[string]*ring
}

type ring struct {
	lines [TranscriptSize]Line
	next  int
	count int
}

// NewTranscripts creates an empty transcript set.
func NewTranscripts() *Transcripts {
	return &Transcripts{rings: make(map[string]*ring)}
}

// PairKey returns an order-independent key for the pair {a, b}.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Add appends a line to the pair's ring, overwriting the oldest line once
// the ring is full.
func (t *Transcripts) Add(pairKey string, l Line) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[pairKey]
	if !ok {
		r = &ring{}
		t.rings[pairKey] = r
	}
	r.lines[r.next] = l
	r.next = (r.next + 1) % TranscriptSize
	if r.count < TranscriptSize {
		r.count++
	}
}

// Snapshot returns the pair's lines oldest first. It returns an empty slice
// for an unknown pair.
func (t *Transcripts) Snapshot(pairKey string) []Line {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[pairKey]
	if !ok {
		return []Line{}
	}
	out := make([]Line, r.count)
	start := (r.next - r.count + TranscriptSize) % TranscriptSize
	for i := range out {
		out[i] = r.lines[(start+i)%TranscriptSize]
	}
	return out
}

// Drop forgets a pair's ring and returns its final snapshot.
func (t *Transcripts) Drop(pairKey string) []Line {
	lines := t.Snapshot(pairKey)
	t.mu.Lock()
	delete(t.rings, pairKey)
	t.mu.Unlock()
	return lines
}

// Len returns the number of pairs with a transcript.
func (t *Transcripts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rings)
}
