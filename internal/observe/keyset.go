package observe

import (
	"slices"
	"sync"
	"sync/atomic"
)

// KeySet is a grow-only set of keys safe for unsynchronized concurrent use.
// Add never takes a lock shared with readers, so a slow reader cannot stall
// event delivery.
type KeySet struct {
	keys sync.Map
	n    atomic.Int64
}

func NewKeySet() *KeySet {
	return &KeySet{}
}

// Add inserts key and reports whether it was new.
func (s *KeySet) Add(key string) bool {
	if _, loaded := s.keys.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	s.n.Add(1)
	return true
}

func (s *KeySet) Contains(key string) bool {
	_, ok := s.keys.Load(key)
	return ok
}

// Len returns the number of distinct keys added so far.
func (s *KeySet) Len() int {
	return int(s.n.Load())
}

// Keys returns a sorted copy of the current contents.
func (s *KeySet) Keys() []string {
	keys := make([]string, 0, s.Len())
	s.keys.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	return keys
}
