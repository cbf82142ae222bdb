package ephemeral

import (
	"context"
	"time"
)

// RPush appends value to list, waking any blocked BLPop callers. A
// push onto an expired list drops the stale contents first and starts
// a fresh list with no TTL, matching Redis semantics.
func (s *MemoryStore) RPush(_ context.Context, list string, value []byte) (int64, error) {
	s.mu.Lock()
	s.reapListLocked(list)
	cp := append([]byte(nil), value...)
	s.lists[list] = append(s.lists[list], cp)
	n := int64(len(s.lists[list]))

	if w, ok := s.listW[list]; ok {
		close(w)
		delete(s.listW, list)
	}
	s.mu.Unlock()
	return n, nil
}

// reapListLocked drops list if its TTL has lapsed. Callers hold s.mu.
func (s *MemoryStore) reapListLocked(list string) {
	if exp, ok := s.listExp[list]; ok && time.Now().After(exp) {
		delete(s.lists, list)
		delete(s.listExp, list)
	}
}

// BLPop blocks until list has an element or timeout/ctx elapses.
func (s *MemoryStore) BLPop(ctx context.Context, list string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		s.reapListLocked(list)
		if q := s.lists[list]; len(q) > 0 {
			v := q[0]
			if len(q) == 1 {
				// An emptied list disappears along with its TTL, the
				// way Redis removes a drained key.
				delete(s.lists, list)
				delete(s.listExp, list)
			} else {
				s.lists[list] = q[1:]
			}
			s.mu.Unlock()
			return v, true, nil
		}
		if timeout <= 0 {
			s.mu.Unlock()
			return nil, false, nil
		}
		w, ok := s.listW[list]
		if !ok {
			w = make(chan struct{})
			s.listW[list] = w
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w:
			timer.Stop()
		case <-timer.C:
			return nil, false, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		}
	}
}
