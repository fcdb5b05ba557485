package store

import "kanban/api/internal/orderkey"

// Snapshot is one read of a sequence: its items in ascending key order and
// the sequence version observed before the items were read. Conditional
// writes are checked against Version.
type Snapshot struct {
	Sequence Sequence
	Version  int64
	Items    []Item
}

func (s Snapshot) Index(id string) int {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Neighbors returns the keys immediately before and after id, nil at either
// boundary. ok is false when id is not in the sequence.
func (s Snapshot) Neighbors(id string) (prev, next *orderkey.Key, ok bool) {
	i := s.Index(id)
	if i < 0 {
		return nil, nil, false
	}
	if i > 0 {
		k := s.Items[i-1].OrderKey
		prev = &k
	}
	if i < len(s.Items)-1 {
		k := s.Items[i+1].OrderKey
		next = &k
	}
	return prev, next, true
}

func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Items))
	for i, item := range s.Items {
		ids[i] = item.ID
	}
	return ids
}
