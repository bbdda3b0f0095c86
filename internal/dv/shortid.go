package dv

import (
	"math"
	"math/rand/v2"
)

// ShortIDAllocator draws short ids uniformly from [1, 2^32-1). Zero is
// reserved for "this node".
type ShortIDAllocator struct {
	rng *rand.Rand
}

func NewShortIDAllocator(rng *rand.Rand) *ShortIDAllocator {
	return &ShortIDAllocator{rng: rng}
}

func (a *ShortIDAllocator) Allocate() uint32 {
	return uint32(a.rng.Int64N(math.MaxUint32-1)) + 1
}

// shortIDSet keeps the ids in use by live entries so that allocation never
// hands out a duplicate and lookups by id are O(1).
type shortIDSet struct {
	alloc *ShortIDAllocator
	used  map[uint32]entryRef
}

func newShortIDSet(alloc *ShortIDAllocator) shortIDSet {
	return shortIDSet{alloc: alloc, used: make(map[uint32]entryRef)}
}

func (s *shortIDSet) assign(ref entryRef) uint32 {
	for {
		id := s.alloc.Allocate()
		if _, taken := s.used[id]; taken {
			continue
		}
		s.used[id] = ref
		return id
	}
}

func (s *shortIDSet) lookup(id uint32) (entryRef, bool) {
	ref, ok := s.used[id]
	return ref, ok
}

func (s *shortIDSet) release(id uint32) {
	delete(s.used, id)
}

func (s *shortIDSet) len() int { return len(s.used) }
