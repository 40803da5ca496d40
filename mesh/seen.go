package mesh

// DefaultSeenLimit bounds the dedup set before it is cleared.
const DefaultSeenLimit = 5000

// seenSet remembers message IDs. It is owned by the dispatcher worker and
// is not safe for concurrent use.
type seenSet struct {
	limit int
	ids   map[string]struct{}
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = DefaultSeenLimit
	}
	return &seenSet{limit: limit, ids: make(map[string]struct{})}
}

// add records id and reports whether it was new. The whole set is cleared
// once it reaches the limit.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ids) >= s.limit {
		s.ids = make(map[string]struct{})
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) len() int {
	return len(s.ids)
}
