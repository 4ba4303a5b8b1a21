//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection's monitor peeks for data without consuming it, then
// waits for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	ch := make(chan struct{}, 1)

	e.mu.Lock()
	e.resume[c] = ch
	e.mu.Unlock()

	go e.monitor(c, br, ch)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		// Peek leaves the byte in the buffer for the frame reader.
		_, err := br.Peek(1)
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		case <-c.Closed():
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-e.done:
			return
		case <-c.Closed():
			return
		}
	}
}

func (e *Epoll) Resume(c *Connection) error {
	e.mu.Lock()
	ch := e.resume[c]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.resume, c)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// already queued.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.resume = make(map[*Connection]chan struct{})
	e.mu.Unlock()
	return nil
}

func socketFD(conn interface{}) int {
	return -1
}
