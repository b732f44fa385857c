package gateway

import (
	"context"
	"log"
	"time"
)

// startHeartbeat pings every connection each Interval, closes those that
// have gone quiet and refreshes the sessions of the rest.
func (s *Server) startHeartbeat() {
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.clock.After(s.cfg.Heartbeat.Interval):
				s.checkConnections()
			}
		}
	}()
}

// checkConnections closes connections with no frame read within
// Interval + Timeout and sends a protocol ping to the others, which the
// browser answers automatically. An identified connection whose session
// now belongs to another connection was replaced on a different gateway
// and is closed without a disconnect.
func (s *Server) checkConnections() {
	deadline := s.cfg.Heartbeat.Interval + s.cfg.Heartbeat.Timeout
	now := s.clock.Now()

	for _, c := range s.conns.all() {
		if idle := c.idle(now); idle > deadline {
			log.Printf("[gateway] heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			s.removeConn(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[gateway] heartbeat ping failed conn=%s: %v", c.ID, err)
			s.removeConn(c)
			continue
		}

		if uid := c.UserID(); uid != "" {
			s.refresh(c, uid)
		}
	}
}

func (s *Server) refresh(c *Conn, uid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	owned, err := s.sessions.Touch(ctx, uid, c.ID)
	if err != nil {
		log.Printf("[gateway] touch session for %s: %v", uid, err)
		return
	}
	if owned {
		return
	}

	sess, err := s.sessions.Get(ctx, uid)
	if err != nil {
		log.Printf("[gateway] get session for %s: %v", uid, err)
		return
	}
	if sess == nil {
		// Expired while Redis was unreachable; reclaim it.
		if err := s.sessions.Create(ctx, uid, c.ID); err != nil {
			log.Printf("[gateway] recreate session for %s: %v", uid, err)
		}
		return
	}
	log.Printf("[gateway] user %s moved to conn %s on %s, closing conn %s",
		uid, sess.ConnID, sess.Server, c.ID)
	s.supersede(c)
}
