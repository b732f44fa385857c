package engine

import (
	"context"
	"log"
)

// StartCleanup runs the janitor every CleanupInterval until ctx is done.
func (e *Engine) StartCleanup(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.cfg.CleanupInterval):
				e.sweep(ctx)
			}
		}
	}()
}

// sweepResult counts what one janitor pass removed.
type sweepResult struct {
	stale   int // queued users without a live connection
	last    int // expired last-partner records
	intents int // expired rematch intents
	buckets int // idle per-user buckets
	reports int // report records past the window
}

// sweep drops queued users whose connection is gone along with every kind
// of expired bookkeeping.
func (e *Engine) sweep(ctx context.Context) sweepResult {
	var res sweepResult
	if e.presence != nil {
		waiting := e.queue.Waiting()
		live, err := e.presence.Live(ctx, waiting)
		if err != nil {
			log.Printf("[janitor] presence check failed: %v", err)
		} else {
			for i, uid := range waiting {
				if !live[i] && e.queue.Cancel(uid) {
					res.stale++
				}
			}
		}
	}
	res.last = e.pairs.PruneLast()
	res.intents = e.queue.PruneIntents()
	res.buckets = e.buckets.Cleanup(e.cfg.BucketIdle)
	res.reports = e.reports.prune(e.clock.Now())
	e.updateGauges()

	if res != (sweepResult{}) {
		log.Printf("[janitor] removed stale=%d last_partner=%d intents=%d buckets=%d reports=%d",
			res.stale, res.last, res.intents, res.buckets, res.reports)
	}
	return res
}
