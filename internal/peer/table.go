package peer

// Table maps a peer identity to every value registered under it. The same
// identity may carry several values (one per path it was learned on).
// Table is not safe for concurrent use; callers own it from a single goroutine.
type Table[V comparable] struct {
	m map[ID][]V
	n int
}

func NewTable[V comparable]() *Table[V] {
	return &Table[V]{m: make(map[ID][]V)}
}

// Put adds v under id. Duplicate (id, v) pairs are stored once.
func (t *Table[V]) Put(id ID, v V) bool {
	vals := t.m[id]
	for _, have := range vals {
		if have == v {
			return false
		}
	}
	t.m[id] = append(vals, v)
	t.n++
	return true
}

// GetAll returns a copy of every value stored under id.
func (t *Table[V]) GetAll(id ID) []V {
	vals := t.m[id]
	if len(vals) == 0 {
		return nil
	}
	out := make([]V, len(vals))
	copy(out, vals)
	return out
}

func (t *Table[V]) Contains(id ID, v V) bool {
	for _, have := range t.m[id] {
		if have == v {
			return true
		}
	}
	return false
}

func (t *Table[V]) Remove(id ID, v V) bool {
	vals := t.m[id]
	for i, have := range vals {
		if have != v {
			continue
		}
		last := len(vals) - 1
		vals[i] = vals[last]
		var zero V
		vals[last] = zero
		vals = vals[:last]
		if len(vals) == 0 {
			delete(t.m, id)
		} else {
			t.m[id] = vals
		}
		t.n--
		return true
	}
	return false
}

// Len is the total number of (id, value) pairs.
func (t *Table[V]) Len() int {
	return t.n
}
