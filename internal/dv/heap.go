package dv

import "container/heap"

// heapHandle names a node in a costHeap. A handle goes stale once its node
// is removed; stale handles are rejected instead of touching a reused slot.
type heapHandle struct {
	slot int32
	gen  uint32
}

type heapNode struct {
	ref  entryRef
	cost uint32
	pos  int // index into order, -1 when free
	gen  uint32
}

// heapSlots is the heap.Interface view over the node arena.
type heapSlots struct {
	max   bool
	nodes []heapNode
	order []int32
}

func (s *heapSlots) Len() int { return len(s.order) }

func (s *heapSlots) Less(i, j int) bool {
	a, b := s.nodes[s.order[i]].cost, s.nodes[s.order[j]].cost
	if s.max {
		return a > b
	}
	return a < b
}

func (s *heapSlots) Swap(i, j int) {
	s.order[i], s.order[j] = s.order[j], s.order[i]
	s.nodes[s.order[i]].pos = i
	s.nodes[s.order[j]].pos = j
}

func (s *heapSlots) Push(x any) {
	slot := x.(int32)
	s.nodes[slot].pos = len(s.order)
	s.order = append(s.order, slot)
}

func (s *heapSlots) Pop() any {
	n := len(s.order)
	slot := s.order[n-1]
	s.order = s.order[:n-1]
	s.nodes[slot].pos = -1
	return slot
}

// costHeap is an addressable binary heap keyed by route cost. A min-heap
// and a max-heap over the same entries give O(1) access to the cheapest
// and the most expensive route.
type costHeap struct {
	s    heapSlots
	free []int32
}

func newCostHeap(max bool) *costHeap {
	return &costHeap{s: heapSlots{max: max}}
}

func (h *costHeap) Len() int { return h.s.Len() }

func (h *costHeap) Insert(ref entryRef, cost uint32) heapHandle {
	var slot int32
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.s.nodes = append(h.s.nodes, heapNode{pos: -1, gen: 1})
		slot = int32(len(h.s.nodes) - 1)
	}
	node := &h.s.nodes[slot]
	node.ref = ref
	node.cost = cost
	heap.Push(&h.s, slot)
	return heapHandle{slot: slot, gen: h.s.nodes[slot].gen}
}

func (h *costHeap) valid(hd heapHandle) bool {
	if hd.slot < 0 || int(hd.slot) >= len(h.s.nodes) {
		return false
	}
	n := h.s.nodes[hd.slot]
	return n.gen == hd.gen && n.pos >= 0
}

func (h *costHeap) Remove(hd heapHandle) bool {
	if !h.valid(hd) {
		return false
	}
	heap.Remove(&h.s, h.s.nodes[hd.slot].pos)
	h.s.nodes[hd.slot].gen++
	h.s.nodes[hd.slot].ref = entryRef{}
	h.free = append(h.free, hd.slot)
	return true
}

func (h *costHeap) UpdateCost(hd heapHandle, cost uint32) bool {
	if !h.valid(hd) {
		return false
	}
	h.s.nodes[hd.slot].cost = cost
	heap.Fix(&h.s, h.s.nodes[hd.slot].pos)
	return true
}

// Peek returns the root: the cheapest entry of a min-heap or the most
// expensive of a max-heap.
func (h *costHeap) Peek() (entryRef, uint32, bool) {
	if len(h.s.order) == 0 {
		return entryRef{}, 0, false
	}
	n := h.s.nodes[h.s.order[0]]
	return n.ref, n.cost, true
}

// At returns the entry at heap position i, in array order.
func (h *costHeap) At(i int) (entryRef, uint32) {
	n := h.s.nodes[h.s.order[i]]
	return n.ref, n.cost
}

// Lookup returns the entry and cost a handle points to.
func (h *costHeap) Lookup(hd heapHandle) (entryRef, uint32, bool) {
	if !h.valid(hd) {
		return entryRef{}, 0, false
	}
	n := h.s.nodes[hd.slot]
	return n.ref, n.cost, true
}

// Walk visits entries in array order until fn returns false. fn must not
// modify the heap.
func (h *costHeap) Walk(fn func(ref entryRef, cost uint32) bool) {
	for _, slot := range h.s.order {
		n := h.s.nodes[slot]
		if !fn(n.ref, n.cost) {
			return
		}
	}
}

// ordered reports whether the heap property holds everywhere.
func (h *costHeap) ordered() bool {
	for i := 1; i < len(h.s.order); i++ {
		parent := (i - 1) / 2
		if h.s.Less(i, parent) {
			return false
		}
	}
	return true
}
