package cache

import "sync/atomic"

// State is the aggregate size of a store. The store writes it, eviction and
// the stats endpoint read it.
type State struct {
	bytes   atomic.Int64
	entries atomic.Int64
}

func NewState() *State {
	return &State{}
}

func (s *State) Bytes() int64 {
	return s.bytes.Load()
}

func (s *State) Entries() int64 {
	return s.entries.Load()
}

func (s *State) Add(size int64) {
	s.bytes.Add(size)
	s.entries.Add(1)
}

func (s *State) Remove(size int64) {
	s.bytes.Add(-size)
	s.entries.Add(-1)
}

func (s *State) Replace(oldSize, newSize int64) {
	s.bytes.Add(newSize - oldSize)
}
