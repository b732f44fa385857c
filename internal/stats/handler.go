package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	dailyPrefix = "stats:daily:" // + YYYY-MM-DD
	userPrefix  = "stats:user:"  // + user_id

	dailyTTL = 90 * 24 * time.Hour
	userTTL  = 30 * 24 * time.Hour
)

// Handler applies stats tasks to Redis counters.
type Handler struct {
	rdb *redis.Client
}

// NewHandler creates a Handler writing to rdb.
func NewHandler(rdb *redis.Client) *Handler {
	return &Handler{rdb: rdb}
}

// Register adds the task handlers to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDialog, h.handleDialog)
	mux.HandleFunc(TypeMessage, h.handleMessage)
}

// NewServer returns an asynq server that only consumes the stats queue.
func NewServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 2
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
	})
}

func dayKey(ms int64) string {
	return dailyPrefix + time.UnixMilli(ms).UTC().Format("2006-01-02")
}

func (h *Handler) handleDialog(ctx context.Context, task *asynq.Task) error {
	var e DialogEvent
	if err := json.Unmarshal(task.Payload(), &e); err != nil {
		// Malformed payloads will never succeed.
		return fmt.Errorf("stats: dialog payload: %v: %w", err, asynq.SkipRetry)
	}

	day := dayKey(e.At)
	pipe := h.rdb.TxPipeline()
	pipe.HIncrBy(ctx, day, "dialogs", 1)
	if e.Sticky {
		pipe.HIncrBy(ctx, day, "rematches", 1)
	}
	pipe.HIncrBy(ctx, day, "wait_ms_total", e.WaitMs)
	pipe.Expire(ctx, day, dailyTTL)
	for _, uid := range []string{e.A, e.B} {
		pipe.HIncrBy(ctx, userPrefix+uid, "dialogs", 1)
		pipe.Expire(ctx, userPrefix+uid, userTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: record dialog: %w", err)
	}
	return nil
}

func (h *Handler) handleMessage(ctx context.Context, task *asynq.Task) error {
	var e MessageEvent
	if err := json.Unmarshal(task.Payload(), &e); err != nil {
		return fmt.Errorf("stats: message payload: %v: %w", err, asynq.SkipRetry)
	}

	day := dayKey(e.At)
	pipe := h.rdb.TxPipeline()
	pipe.HIncrBy(ctx, day, "messages", 1)
	pipe.HIncrBy(ctx, day, "messages:"+e.Kind, 1)
	if e.Secret {
		pipe.HIncrBy(ctx, day, "messages:secret", 1)
	}
	pipe.Expire(ctx, day, dailyTTL)
	pipe.HIncrBy(ctx, userPrefix+e.Sender, "messages", 1)
	pipe.Expire(ctx, userPrefix+e.Sender, userTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: record message: %w", err)
	}
	return nil
}

// Daily returns the counters for the UTC day containing t.
func (h *Handler) Daily(ctx context.Context, t time.Time) (map[string]int64, error) {
	raw, err := h.rdb.HGetAll(ctx, dayKey(t.UnixMilli())).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: daily: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("[stats] bad counter %s=%q", k, v)
			continue
		}
		out[k] = n
	}
	return out, nil
}
