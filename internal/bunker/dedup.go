package bunker

// seenSet remembers the most recent event ids, evicting the oldest first.
type seenSet struct {
	ring []string
	next int
	ids  map[string]struct{}
}

func newSeenSet(size int) *seenSet {
	if size <= 0 {
		size = 1024
	}
	return &seenSet{
		ring: make([]string, size),
		ids:  make(map[string]struct{}, size),
	}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
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
