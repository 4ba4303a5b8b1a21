package messaging

import (
	"errors"
	"sync"
)

// ErrClosed is returned by a LocalBus after Close.
var ErrClosed = errors.New("messaging: bus closed")

// LocalBus delivers synchronously inside Publish, so a subscriber sees
// messages in exactly the order Publish was called.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]Handler)}
}

func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Handlers run without the lock so they may subscribe or unsubscribe.
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]Handler)
	}
	b.subs[subject][id] = handler
	return &localSubscription{bus: b, subject: subject, id: id}, nil
}

// Subscribers returns how many subscriptions exist for subject.
func (b *LocalBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
}

type localSubscription struct {
	bus     *LocalBus
	subject string
	id      uint64
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if m := s.bus.subs[s.subject]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}
