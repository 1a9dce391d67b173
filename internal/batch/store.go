package batch

import (
	"sort"
	"sync"
)

// Store keeps handles of batches started by this process.
type Store interface {
	Put(h *Handle)
	Get(id string) (*Handle, bool)
	List() []*Handle
}

type InMemoryStore struct {
	data sync.Map
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Put(h *Handle) {
	s.data.Store(h.ID(), h)
}

func (s *InMemoryStore) Get(id string) (*Handle, bool) {
	if v, ok := s.data.Load(id); ok {
		return v.(*Handle), true
	}
	return nil, false
}

// List returns handles oldest first.
func (s *InMemoryStore) List() []*Handle {
	var out []*Handle
	s.data.Range(func(_, v any) bool {
		out = append(out, v.(*Handle))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}
