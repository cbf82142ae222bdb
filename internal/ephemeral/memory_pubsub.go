package ephemeral

import (
	"context"
	"errors"
	"sync"
)

// memSub is a MemoryStore subscription: a buffered channel fed by
// Publish and a once-guard so Close is idempotent.
type memSub struct {
	ch     chan []byte
	once   sync.Once
	closed chan struct{}
}

func (m *memSub) Channel() <-chan []byte { return m.ch }

func (m *memSub) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, message []byte) error {
	s.mu.Lock()
	subs := append([]*memSub(nil), s.subs[channel]...)
	s.mu.Unlock()

	cp := append([]byte(nil), message...)
	for _, sub := range subs {
		select {
		case <-sub.closed:
			continue
		default:
		}
		select {
		case sub.ch <- cp:
		case <-sub.closed:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("ephemeral: store closed")
	}
	sub := &memSub{ch: make(chan []byte, 64), closed: make(chan struct{})}
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	go func() {
		<-sub.closed
		s.mu.Lock()
		peers := s.subs[channel]
		for i, p := range peers {
			if p == sub {
				s.subs[channel] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(sub.ch)
	}()

	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	return nil
}
