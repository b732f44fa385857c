//go:build !linux

package gateway

import (
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection calls ready
// in a loop until the connection is removed. ready blocks in the frame read,
// bounded by the read timeout.
type poller struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready func(net.Conn)
}

func newPoller(_ int, ready func(net.Conn)) (*poller, error) {
	return &poller{conns: make(map[net.Conn]struct{}), ready: ready}, nil
}

func (p *poller) add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go func() {
		for p.has(conn) {
			p.ready(conn)
		}
	}()
	return nil
}

func (p *poller) has(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[conn]
	return ok
}

func (p *poller) remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

func (p *poller) run(done <-chan struct{}) { <-done }

func (p *poller) close() error {
	p.mu.Lock()
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()
	return nil
}
