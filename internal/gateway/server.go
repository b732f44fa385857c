// Package gateway terminates client WebSocket connections. It binds each
// connection to a user with the identify frame, forwards commands to the
// engine owning the user's shard and answers the engine's delivery requests
// for the users it holds.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/ratelimit"
	"github.com/whisper/anonchat/internal/session"
	"github.com/whisper/anonchat/internal/shard"
)

// Bus is the part of messaging.NATSClient the gateway uses.
type Bus interface {
	PublishCommand(shard int, data []byte) error
	ServeDeliveries(userID string, handler func(data []byte) []byte) error
	StopDeliveries(userID string) error
}

// Sessions is the presence store. Touch and Delete only act while connID
// still owns the user's session.
type Sessions interface {
	Create(ctx context.Context, userID, connID string) error
	Get(ctx context.Context, userID string) (*session.Session, error)
	Touch(ctx context.Context, userID, connID string) (bool, error)
	Delete(ctx context.Context, userID, connID string) (bool, error)
}

// Admission is the shared inbound rate limiter.
type Admission interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Identity checks the token presented at identify and returns the user it
// vouches for.
type Identity interface {
	Verify(token string) (string, error)
}

// Deps are the collaborators of a Server. Clock and Router default to the
// real clock and a single shard. Identity is required.
type Deps struct {
	Bus      Bus
	Sessions Sessions
	Limits   Admission
	Identity Identity
	Router   shard.Router
	Clock    clock.Clock
}

// Server is the WebSocket gateway built on gobwas/ws. Upgraded connections
// are registered with the poller, which hands readable connections to a
// bounded worker pool for frame reading.
type Server struct {
	cfg      Config
	bus      Bus
	sessions Sessions
	limits   Admission
	identity Identity
	router   shard.Router
	clock    clock.Clock

	poller     *poller
	conns      *registry
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. It does not listen until Start.
func NewServer(cfg Config, d Deps) (*Server, error) {
	if d.Identity == nil {
		return nil, fmt.Errorf("gateway: an identity verifier is required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Router == nil {
		d.Router = shard.Single{}
	}
	s := &Server{
		cfg:      cfg,
		bus:      d.Bus,
		sessions: d.Sessions,
		limits:   d.Limits,
		identity: d.Identity,
		router:   d.Router,
		clock:    d.Clock,
		conns:    newRegistry(),
		done:     make(chan struct{}),
	}
	p, err := newPoller(cfg.WorkerPoolSize, s.readFrame)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = s.clock.Now()
	return s, nil
}

// Handler serves /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start runs the poller and heartbeat and blocks serving HTTP until
// Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	go s.poller.run(s.done)
	s.startHeartbeat()

	log.Printf("[gateway] listening on %s (workers=%d, max_conns=%d)",
		s.cfg.ListenAddr, s.cfg.WorkerPoolSize, s.cfg.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.count() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limits != nil {
		ok, err := s.limits.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if err != nil {
			log.Printf("[gateway] connect limit check for %s: %v", ip, err)
		}
		if !ok {
			retry := s.limits.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", fmt.Sprint(retrySeconds(retry)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := s.register(nc)
	if err := s.poller.add(nc); err != nil {
		log.Printf("[gateway] poller add failed for conn %s: %v", c.ID, err)
		s.removeConn(c)
		return
	}
	log.Printf("[gateway] new connection conn=%s ip=%s (total=%d)", c.ID, ip, s.conns.count())
}

// register tracks a freshly upgraded connection and arms its identify
// deadline.
func (s *Server) register(nc net.Conn) *Conn {
	c := newConn(uuid.NewString(), nc, s.clock.Now(), s.cfg)
	s.conns.add(c)
	metrics.ConnectionsTotal.Inc()

	if s.cfg.IdentifyTimeout > 0 {
		s.clock.AfterFunc(s.cfg.IdentifyTimeout, func() {
			if c.UserID() == "" && s.conns.get(c.ID) != nil {
				log.Printf("[gateway] conn %s never identified, closing", c.ID)
				s.removeConn(c)
			}
		})
	}
	return c
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.count(),
		Uptime:      s.clock.Now().Sub(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readFrame reads one frame from a readable connection. Control frames are
// answered here; data frames go to handleFrame.
func (s *Server) readFrame(nc net.Conn) {
	c := s.conns.byConn(nc)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same connection twice.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer c.processing.Store(0)

	if s.cfg.ReadTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(nc, ws.StateServerSide)
	if err != nil {
		// Nothing arrived in time; the heartbeat handles dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.removeConn(c)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	c.touch(s.clock.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.removeConn(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.removeConn(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}
	s.handleFrame(c, data)
}

// removeConn closes c and forgets it. When c was its user's connection and
// still owned the session, the engine is told the user disconnected. A
// connection replaced by a newer one leaves quietly. Safe to call twice.
func (s *Server) removeConn(c *Conn) {
	_ = s.poller.remove(c.Conn)

	removed, current := s.conns.remove(c)
	if !removed {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	uid := c.UserID()
	if uid == "" || !current {
		log.Printf("[gateway] connection closed conn=%s (total=%d)", c.ID, s.conns.count())
		return
	}

	if err := s.bus.StopDeliveries(uid); err != nil {
		log.Printf("[gateway] stop deliveries for %s: %v", uid, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	owned, err := s.sessions.Delete(ctx, uid, c.ID)
	if err != nil {
		log.Printf("[gateway] delete session for %s: %v", uid, err)
	}
	if owned || err != nil {
		s.publishDisconnect(uid)
	}
	log.Printf("[gateway] connection closed conn=%s user=%s (total=%d)", c.ID, uid, s.conns.count())
}

// supersede closes c because the user connected again elsewhere.
func (s *Server) supersede(c *Conn) {
	s.sendError(c, "superseded", "signed in from another connection")
	s.removeConn(c)
}

// Shutdown stops the listener and closes every connection, telling the
// engine about each user that leaves with it.
func (s *Server) Shutdown() error {
	log.Println("[gateway] shutting down...")
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.all() {
		s.removeConn(c)
	}

	if err := s.poller.close(); err != nil {
		log.Printf("[gateway] poller close: %v", err)
	}
	log.Printf("[gateway] stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retrySeconds rounds d up to whole seconds, at least one.
func retrySeconds(d time.Duration) int {
	n := int((d + time.Second - 1) / time.Second)
	if n < 1 {
		n = 1
	}
	return n
}
