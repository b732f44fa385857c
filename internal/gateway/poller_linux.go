//go:build linux

package gateway

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller multiplexes connection reads over epoll. Ready connections are
// handed to ready on a bounded pool of goroutines instead of holding one
// goroutine per idle connection.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	events []unix.EpollEvent
	ready  func(net.Conn)
	pool   chan struct{}
}

func newPoller(workers int, ready func(net.Conn)) (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
		ready:  ready,
		pool:   make(chan struct{}, workers),
	}, nil
}

func (p *poller) add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("gateway: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

func (p *poller) remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// run waits for readiness until done is closed.
func (p *poller) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := unix.EpollWait(p.fd, p.events, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			log.Printf("[gateway] epoll wait: %v", err)
			continue
		}

		p.mu.RLock()
		ready := make([]net.Conn, 0, n)
		for i := 0; i < n; i++ {
			if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
				ready = append(ready, conn)
			}
		}
		p.mu.RUnlock()

		for _, conn := range ready {
			p.pool <- struct{}{}
			go func() {
				defer func() { <-p.pool }()
				p.ready(conn)
			}()
		}
	}
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[int]net.Conn)
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
