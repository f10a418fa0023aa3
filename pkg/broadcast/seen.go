package broadcast

import "sync"

// seenSet remembers the most recent message IDs in a fixed-size ring.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
	mu   sync.Mutex
}

func newSeenSet(size int) *seenSet {
	return &seenSet{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
