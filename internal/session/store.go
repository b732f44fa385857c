package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL bounds how long a session survives without a heartbeat.
	SessionTTL = 2 * time.Minute
)

// deleteIfOwner removes the session only if it still belongs to the given
// connection, so a late disconnect never removes a newer session.
var deleteIfOwner = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// touchIfOwner refreshes the session only while connID still owns it.
var touchIfOwner = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'last_active', ARGV[2])
	redis.call('EXPIRE', KEYS[1], ARGV[3])
	return 1
end
return 0
`)

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a session store. serverName may be empty for readers.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores the session of userID on connection connID, replacing any
// older session of the same user.
func (s *Store) Create(ctx context.Context, userID, connID string) error {
	key := SessionPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":     userID,
		"conn_id":     connID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+userID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.UserID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch marks the session active and extends its TTL. It reports false when
// the session expired or another connection took it over.
func (s *Store) Touch(ctx context.Context, userID, connID string) (bool, error) {
	n, err := touchIfOwner.Run(ctx, s.client, []string{SessionPrefix + userID},
		connID, time.Now().Unix(), int(SessionTTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("session: touch: %w", err)
	}
	return n > 0, nil
}

// Delete removes the session of userID if it belongs to connID. It reports
// whether connID was still the owner.
func (s *Store) Delete(ctx context.Context, userID, connID string) (bool, error) {
	n, err := deleteIfOwner.Run(ctx, s.client, []string{SessionPrefix + userID}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("session: delete: %w", err)
	}
	return n > 0, nil
}

// Live reports, for each user, whether a session exists.
func (s *Store) Live(ctx context.Context, userIDs []string) ([]bool, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.Exists(ctx, SessionPrefix+uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: live: %w", err)
	}
	out := make([]bool, len(userIDs))
	for i, c := range cmds {
		out[i] = c.Val() > 0
	}
	return out, nil
}
