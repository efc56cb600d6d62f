package util

import "sync"

// ArraySet is a mutex-protected set that can be drained and cleared in one
// step. The chunkserver uses it to accumulate pending lease-extension
// requests between heartbeats without holding its main mutex.
type ArraySet struct {
	mu    sync.Mutex
	items map[interface{}]struct{}
}

// Add inserts v into the set if not already present.
func (s *ArraySet) Add(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[interface{}]struct{})
	}
	s.items[v] = struct{}{}
}

// GetAllAndClear returns every item currently in the set and empties it.
func (s *ArraySet) GetAllAndClear() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]interface{}, 0, len(s.items))
	for v := range s.items {
		ret = append(ret, v)
	}
	s.items = nil
	return ret
}
