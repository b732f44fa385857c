package engine

import (
	"sync"
	"time"
)

// reportLog remembers which reporter already reported which user so a
// repeat within the window is refused before it reaches the policy service.
type reportLog struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newReportLog(window time.Duration) *reportLog {
	return &reportLog{window: window, seen: make(map[string]time.Time)}
}

func reportKey(reporter, reported string) string {
	return reporter + "\x00" + reported
}

// mark records a report of reported by reporter at now. It returns false
// when the same pair was already recorded within the window.
func (l *reportLog) mark(reporter, reported string, now time.Time) bool {
	key := reportKey(reporter, reported)
	l.mu.Lock()
	defer l.mu.Unlock()
	if at, ok := l.seen[key]; ok && now.Sub(at) < l.window {
		return false
	}
	l.seen[key] = now
	return true
}

// unmark forgets a report that the policy service did not accept.
func (l *reportLog) unmark(reporter, reported string) {
	l.mu.Lock()
	delete(l.seen, reportKey(reporter, reported))
	l.mu.Unlock()
}

// prune drops records older than the window and returns how many went.
func (l *reportLog) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, at := range l.seen {
		if now.Sub(at) >= l.window {
			delete(l.seen, key)
			n++
		}
	}
	return n
}
