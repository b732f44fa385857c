package engine

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cespare/xxhash/v2"

	"github.com/whisper/anonchat/internal/protocol"
)

// CommandSource delivers the serialized envelopes published for one shard.
// messaging.NATSClient satisfies it.
type CommandSource interface {
	SubscribeCommands(shard int, handler func(data []byte)) error
}

// Start launches Workers lanes. A user always hashes to the same lane, so
// their commands run in the order they arrived while different users run
// in parallel.
func (e *Engine) Start() {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	if e.lanes != nil || e.closed {
		return
	}

	e.lanes = make([]chan protocol.Inbound, e.cfg.Workers)
	for i := range e.lanes {
		ch := make(chan protocol.Inbound, e.cfg.LaneDepth)
		e.lanes[i] = ch
		e.laneWG.Add(1)
		go func() {
			defer e.laneWG.Done()
			for in := range ch {
				e.run(in)
			}
		}()
	}
	log.Printf("[engine] started %d lanes (depth=%d)", e.cfg.Workers, e.cfg.LaneDepth)
}

// Serve subscribes to shard on src and feeds every envelope into the lanes.
func (e *Engine) Serve(src CommandSource, shard int) error {
	return src.SubscribeCommands(shard, func(data []byte) {
		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Printf("[engine] undecodable envelope on shard %d: %v", shard, err)
			return
		}
		e.Submit(in)
	})
}

// Submit queues in on its user's lane, blocking while the lane is full.
// Before Start it runs the command inline; after Stop it drops it.
func (e *Engine) Submit(in protocol.Inbound) {
	e.laneMu.RLock()
	defer e.laneMu.RUnlock()
	switch {
	case e.closed:
		log.Printf("[engine] stopped, dropping command from %s", in.UserID)
	case e.lanes == nil:
		e.run(in)
	default:
		e.lanes[xxhash.Sum64String(in.UserID)%uint64(len(e.lanes))] <- in
	}
}

func (e *Engine) run(in protocol.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
	defer cancel()
	e.HandleInbound(ctx, in)
}

// closeLanes stops accepting commands and waits for queued ones to finish.
func (e *Engine) closeLanes() {
	e.laneMu.Lock()
	if e.closed {
		e.laneMu.Unlock()
		return
	}
	e.closed = true
	for _, ch := range e.lanes {
		close(ch)
	}
	e.laneMu.Unlock()
	e.laneWG.Wait()
}
