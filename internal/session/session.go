// Package session tracks which users are connected and through which gateway
// instance. A session is a Redis hash that lives while the connection does;
// the gateway refreshes it on every heartbeat and the engine's janitor uses
// it to drop queued users whose connection is gone.
package session

// Session is one user's live connection.
type Session struct {
	UserID     string `redis:"user_id"`
	ConnID     string `redis:"conn_id"`     // changes on every reconnect
	Server     string `redis:"server"`      // which gateway instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}
