package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// Conn is one WebSocket client connection. It is bound to a user by the
// identify frame.
type Conn struct {
	ID        string   // connection ID (UUID), also the session owner token
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	userID     atomic.Value // string, set once by identify
	lastActive atomic.Int64 // unix nanos of the last frame read
	processing atomic.Int32 // 1 while a worker reads from this connection
	outbound   *rate.Limiter

	writeMu sync.Mutex // serializes frames written to Conn
}

func newConn(id string, nc net.Conn, now time.Time, cfg Config) *Conn {
	c := &Conn{
		ID:        id,
		Conn:      nc,
		CreatedAt: now,
		outbound:  rate.NewLimiter(rate.Limit(cfg.OutboundRate), cfg.OutboundBurst),
	}
	c.userID.Store("")
	c.touch(now)
	return c
}

// UserID returns the identified user, or "" before identify.
func (c *Conn) UserID() string { return c.userID.Load().(string) }

func (c *Conn) touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *Conn) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// admit takes one outbound token. When none is available it returns how
// long the caller should wait.
func (c *Conn) admit(now time.Time) (time.Duration, bool) {
	r := c.outbound.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

// WriteMessage sends a text frame. The write mutex keeps concurrent
// deliveries and pings from interleaving frame bytes.
func (c *Conn) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// registry indexes live connections by ID, by net.Conn for the poller and
// by user for delivery.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byNet  map[net.Conn]*Conn
	byUser map[string]*Conn
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]*Conn),
		byNet:  make(map[net.Conn]*Conn),
		byUser: make(map[string]*Conn),
	}
}

func (r *registry) add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byNet[c.Conn] = c
	r.mu.Unlock()
}

// bind makes c the connection of userID and returns the connection it
// replaced, if any.
func (r *registry) bind(c *Conn, userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.userID.Store(userID)
	old := r.byUser[userID]
	r.byUser[userID] = c
	if old == c {
		return nil
	}
	return old
}

// remove drops c. It reports whether c was registered and whether it was
// still its user's current connection.
func (r *registry) remove(c *Conn) (removed, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return false, false
	}
	delete(r.byID, c.ID)
	delete(r.byNet, c.Conn)
	if uid := c.UserID(); uid != "" && r.byUser[uid] == c {
		delete(r.byUser, uid)
		current = true
	}
	return true, current
}

func (r *registry) get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *registry) byConn(nc net.Conn) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byNet[nc]
}

func (r *registry) user(userID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// all returns a snapshot safe to iterate without the lock.
func (r *registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
