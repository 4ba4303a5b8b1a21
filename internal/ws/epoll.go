//go:build linux

package ws

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll for read readiness. Connections are registered
// one-shot: after a connection is reported ready it stays disarmed until
// Resume, so a single worker owns its read at a time.
type Epoll struct {
	fd          int
	connections map[int]*Connection
	mu          sync.RWMutex
	events      []unix.EpollEvent
}

const epollEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// waitTimeoutMs lets the event loop notice shutdown.
const waitTimeoutMs = 500

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for readiness. Frames are read straight from the socket so
// no bytes hide in a user-space buffer between wakeups.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return syscall.EBADF
	}
	c.reader = c.Conn
	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(c.Fd),
	}); err != nil {
		e.mu.Lock()
		delete(e.connections, c.Fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Resume re-arms c after its frame has been handled.
func (e *Epoll) Resume(c *Connection) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(c.Fd),
	})
}

func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.connections[c.Fd] == c {
		delete(e.connections, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until one or more registered connections are ready or the
// wait times out.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor without dup'ing it, so the fd registered
// with epoll is the one the runtime reads.
func socketFD(conn interface{}) int {
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
