package dv

import (
	"container/list"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"dvnet/internal/peer"
)

// Outcome is the result of an AddOrUpdate call. Rejections are not errors;
// they are reported so callers can count them.
type Outcome int

const (
	Inserted Outcome = iota
	Updated
	RejectedTooFar
	RejectedFull
	RejectedDirectProtected
	RejectedNoReferrer
	RejectedSelf
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case RejectedTooFar:
		return "rejected_too_far"
	case RejectedFull:
		return "rejected_full"
	case RejectedDirectProtected:
		return "rejected_direct_protected"
	case RejectedNoReferrer:
		return "rejected_no_referrer"
	case RejectedSelf:
		return "rejected_self"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) Accepted() bool { return o == Inserted || o == Updated }

// RemoveReason says why an entry left the table.
type RemoveReason int

const (
	RemovedEvicted RemoveReason = iota
	RemovedExpired
	RemovedReferrerGone
	RemovedWithdrawn
)

func (r RemoveReason) String() string {
	switch r {
	case RemovedEvicted:
		return "evicted"
	case RemovedExpired:
		return "expired"
	case RemovedReferrerGone:
		return "referrer_gone"
	case RemovedWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

type TableConfig struct {
	FisheyeDepth uint32
	MaxTableSize int
	// A new direct entry is hidden with probability 1/HiddenOneIn; 0
	// disables hiding.
	HiddenOneIn int
	Clock       clock.Clock
	Rand        *rand.Rand
	// OnRemove runs after an entry has been fully unlinked. It must not
	// modify the table.
	OnRemove func(Route, RemoveReason)
}

const (
	DefaultFisheyeDepth = 3
	DefaultMaxTableSize = 100
	DefaultHiddenOneIn  = 4
)

// Table is the distance-vector routing table. Every entry lives in four
// structures at once: a min-heap and a max-heap by cost, the peer multimap
// keyed by identity, and its referrer's list. All mutations keep the four
// in step. Table is not safe for concurrent use; Service owns it.
type Table struct {
	cfg     TableConfig
	self    peer.ID
	clock   clock.Clock
	rng     *rand.Rand
	direct  map[peer.ID]*directNeighbor
	byPeer  *peer.Table[entryRef]
	minHeap *costHeap
	maxHeap *costHeap
	entries []entrySlot
	free    []uint32
	ids     shortIDSet
}

func NewTable(self peer.ID, cfg TableConfig) *Table {
	if cfg.MaxTableSize <= 0 {
		cfg.MaxTableSize = DefaultMaxTableSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Table{
		cfg:     cfg,
		self:    self,
		clock:   cfg.Clock,
		rng:     cfg.Rand,
		direct:  make(map[peer.ID]*directNeighbor),
		byPeer:  peer.NewTable[entryRef](),
		minHeap: newCostHeap(false),
		maxHeap: newCostHeap(true),
		ids:     newShortIDSet(NewShortIDAllocator(cfg.Rand)),
	}
}

func (t *Table) Self() peer.ID { return t.self }

// Len is the number of entries, direct ones included.
func (t *Table) Len() int { return t.minHeap.Len() }

func (t *Table) DirectLen() int { return len(t.direct) }

func (t *Table) IsDirect(id peer.ID) bool {
	_, ok := t.direct[id]
	return ok
}

func (t *Table) rec(ref entryRef) *distantNeighbor {
	if !ref.valid() || int(ref.slot) >= len(t.entries) {
		return nil
	}
	e := &t.entries[ref.slot]
	if !e.live || e.gen != ref.gen {
		return nil
	}
	return &e.rec
}

// Connect registers a direct neighbor and its cost-0 entry. Connecting an
// already known neighbor refreshes it.
func (t *Table) Connect(id peer.ID, latency time.Duration, distance uint32) Outcome {
	if id == t.self {
		return RejectedSelf
	}
	dn, ok := t.direct[id]
	if !ok {
		dn = &directNeighbor{id: id, referred: list.New(), connectedAt: t.clock.Now()}
		t.direct[id] = dn
	}
	dn.latency = latency
	dn.distance = distance
	return t.AddOrUpdate(id, id, 0, 0)
}

// Disconnect drops a direct neighbor and every entry it referred.
func (t *Table) Disconnect(id peer.ID) []Route {
	if _, ok := t.direct[id]; !ok {
		return nil
	}
	removed := t.RemoveAllForReferrer(id)
	delete(t.direct, id)
	t.reattach()
	return removed
}

// reattach gives direct neighbors that were connected while the table was
// full their cost-0 entry once room appears.
func (t *Table) reattach() {
	for _, id := range t.directIDs() {
		if t.rec(t.direct[id].self) != nil {
			continue
		}
		if t.AddOrUpdate(id, id, 0, 0) != Inserted {
			return
		}
	}
}

// AddOrUpdate records that id is reachable at cost via the direct neighbor
// referrer, which knows it as referrerID.
func (t *Table) AddOrUpdate(id, referrer peer.ID, referrerID, cost uint32) Outcome {
	if id == t.self {
		return RejectedSelf
	}
	dn, ok := t.direct[referrer]
	if !ok {
		return RejectedNoReferrer
	}
	now := t.clock.Now()
	for _, ref := range t.byPeer.GetAll(id) {
		rec := t.rec(ref)
		if rec == nil || rec.referrer != referrer {
			continue
		}
		rec.cost = cost
		rec.referrerID = referrerID
		rec.lastActive = now
		t.minHeap.UpdateCost(rec.minH, cost)
		t.maxHeap.UpdateCost(rec.maxH, cost)
		return Updated
	}
	if cost > t.cfg.FisheyeDepth {
		return RejectedTooFar
	}
	if t.Len() >= t.cfg.MaxTableSize {
		maxRef, maxCost, _ := t.maxHeap.Peek()
		if cost >= maxCost {
			return RejectedFull
		}
		if maxCost == 0 {
			return RejectedDirectProtected
		}
		t.remove(maxRef, RemovedEvicted)
	}
	t.insert(dn, id, referrerID, cost, now)
	return Inserted
}

func (t *Table) alloc() entryRef {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.entries = append(t.entries, entrySlot{})
		slot = uint32(len(t.entries) - 1)
	}
	e := &t.entries[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.live = true
	return entryRef{slot: slot, gen: e.gen}
}

func (t *Table) insert(dn *directNeighbor, id peer.ID, referrerID, cost uint32, now time.Time) entryRef {
	ref := t.alloc()
	rec := &t.entries[ref.slot].rec
	*rec = distantNeighbor{
		peer:       id,
		referrer:   dn.id,
		referrerID: referrerID,
		cost:       cost,
		lastActive: now,
	}
	rec.hidden = cost == 0 && t.cfg.HiddenOneIn > 0 && t.rng.IntN(t.cfg.HiddenOneIn) == 0
	rec.ourID = t.ids.assign(ref)
	rec.minH = t.minHeap.Insert(ref, cost)
	rec.maxH = t.maxHeap.Insert(ref, cost)
	rec.elem = dn.referred.PushBack(ref)
	t.byPeer.Put(id, ref)
	if cost == 0 && id == dn.id {
		dn.self = ref
		dn.hidden = rec.hidden
	}
	return ref
}

// remove unlinks ref from all four structures and frees its slot.
func (t *Table) remove(ref entryRef, reason RemoveReason) Route {
	rec := t.rec(ref)
	if rec == nil {
		return Route{}
	}
	route := rec.route()
	t.minHeap.Remove(rec.minH)
	t.maxHeap.Remove(rec.maxH)
	t.byPeer.Remove(rec.peer, ref)
	if dn, ok := t.direct[rec.referrer]; ok {
		dn.referred.Remove(rec.elem)
		if dn.self == ref {
			dn.self = entryRef{}
		}
	}
	t.ids.release(rec.ourID)
	e := &t.entries[ref.slot]
	e.live = false
	e.rec = distantNeighbor{}
	t.free = append(t.free, ref.slot)
	if t.cfg.OnRemove != nil {
		t.cfg.OnRemove(route, reason)
	}
	return route
}

// RemoveAllForReferrer removes every entry referred by the given direct
// neighbor, its own cost-0 entry included.
func (t *Table) RemoveAllForReferrer(referrer peer.ID) []Route {
	dn, ok := t.direct[referrer]
	if !ok {
		return nil
	}
	var removed []Route
	for e := dn.referred.Front(); e != nil; e = dn.referred.Front() {
		removed = append(removed, t.remove(e.Value.(entryRef), RemovedReferrerGone))
	}
	return removed
}

// ExpireStale removes entries idle for longer than window. Direct entries
// are left alone; only Disconnect removes them.
func (t *Table) ExpireStale(now time.Time, window time.Duration) []Route {
	var stale []entryRef
	t.maxHeap.Walk(func(ref entryRef, cost uint32) bool {
		if cost == 0 {
			return true
		}
		if rec := t.rec(ref); rec != nil && now.Sub(rec.lastActive) > window {
			stale = append(stale, ref)
		}
		return true
	})
	removed := make([]Route, 0, len(stale))
	for _, ref := range stale {
		removed = append(removed, t.remove(ref, RemovedExpired))
	}
	if len(removed) > 0 {
		t.reattach()
	}
	return removed
}

// RemoveByReferrerID drops the gossiped entry that referrer knows as
// referrerID. It never touches the referrer's own entry.
func (t *Table) RemoveByReferrerID(referrer peer.ID, referrerID uint32) (Route, bool) {
	dn, ok := t.direct[referrer]
	if !ok {
		return Route{}, false
	}
	for e := dn.referred.Front(); e != nil; e = e.Next() {
		ref := e.Value.(entryRef)
		rec := t.rec(ref)
		if rec != nil && rec.cost > 0 && rec.referrerID == referrerID {
			route := t.remove(ref, RemovedWithdrawn)
			t.reattach()
			return route, true
		}
	}
	return Route{}, false
}

func (t *Table) FindByShortID(id uint32) (Route, bool) {
	ref, ok := t.ids.lookup(id)
	if !ok {
		return Route{}, false
	}
	rec := t.rec(ref)
	if rec == nil {
		return Route{}, false
	}
	return rec.route(), true
}

// Origin resolves the entry that the direct neighbor sender knows as
// senderID. senderID 0 is the neighbor itself.
func (t *Table) Origin(sender peer.ID, senderID uint32) (Route, bool) {
	dn, ok := t.direct[sender]
	if !ok {
		return Route{}, false
	}
	for e := dn.referred.Front(); e != nil; e = e.Next() {
		rec := t.rec(e.Value.(entryRef))
		if rec != nil && rec.referrerID == senderID {
			return rec.route(), true
		}
	}
	return Route{}, false
}

// Best returns the cheapest route to id; ties go to the most recently
// refreshed entry.
func (t *Table) Best(id peer.ID) (Route, bool) {
	rec := t.best(id, nil)
	if rec == nil {
		return Route{}, false
	}
	return rec.route(), true
}

func (t *Table) best(id peer.ID, skipReferrer *peer.ID) *distantNeighbor {
	var best *distantNeighbor
	for _, ref := range t.byPeer.GetAll(id) {
		rec := t.rec(ref)
		if rec == nil {
			continue
		}
		if skipReferrer != nil && rec.referrer == *skipReferrer {
			continue
		}
		if best == nil || rec.cost < best.cost || (rec.cost == best.cost && rec.lastActive.After(best.lastActive)) {
			best = rec
		}
	}
	return best
}

// Routes returns every entry ordered by cost, then peer.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, t.Len())
	t.minHeap.Walk(func(ref entryRef, _ uint32) bool {
		if rec := t.rec(ref); rec != nil {
			out = append(out, rec.route())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		if out[i].Peer != out[j].Peer {
			return peer.Less(out[i].Peer, out[j].Peer)
		}
		return peer.Less(out[i].Referrer, out[j].Referrer)
	})
	return out
}

// Neighbors returns the direct neighbors ordered by id.
func (t *Table) Neighbors() []Neighbor {
	out := make([]Neighbor, 0, len(t.direct))
	for _, dn := range t.direct {
		n := Neighbor{
			ID:          dn.id,
			Hidden:      dn.hidden,
			Latency:     dn.latency,
			Distance:    dn.distance,
			ConnectedAt: dn.connectedAt,
			Referred:    dn.referred.Len(),
		}
		if rec := t.rec(dn.self); rec != nil {
			n.OurID = rec.ourID
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return peer.Less(out[i].ID, out[j].ID) })
	return out
}

func (t *Table) directIDs() []peer.ID {
	out := make([]peer.ID, 0, len(t.direct))
	for id := range t.direct {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return peer.Less(out[i], out[j]) })
	return out
}

var errInconsistent = errors.New("routing table inconsistent")

// Check cross-checks the four structures against the entry arena.
func (t *Table) Check() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errInconsistent, fmt.Sprintf(format, args...))
	}
	live := 0
	for slot := range t.entries {
		e := &t.entries[slot]
		if !e.live {
			continue
		}
		live++
		ref := entryRef{slot: uint32(slot), gen: e.gen}
		rec := &e.rec
		if r, c, ok := t.minHeap.Lookup(rec.minH); !ok || r != ref || c != rec.cost {
			return fail("entry %s/%d not in min-heap", rec.peer.Short(), rec.ourID)
		}
		if r, c, ok := t.maxHeap.Lookup(rec.maxH); !ok || r != ref || c != rec.cost {
			return fail("entry %s/%d not in max-heap", rec.peer.Short(), rec.ourID)
		}
		if !t.byPeer.Contains(rec.peer, ref) {
			return fail("entry %s/%d not in peer map", rec.peer.Short(), rec.ourID)
		}
		if _, ok := t.direct[rec.referrer]; !ok {
			return fail("entry %s/%d has unknown referrer %s", rec.peer.Short(), rec.ourID, rec.referrer.Short())
		}
		if rec.elem == nil || rec.elem.Value.(entryRef) != ref {
			return fail("entry %s/%d not linked to referrer", rec.peer.Short(), rec.ourID)
		}
		if got, ok := t.ids.lookup(rec.ourID); rec.ourID == 0 || !ok || got != ref {
			return fail("entry %s has bad short id %d", rec.peer.Short(), rec.ourID)
		}
		if rec.cost == 0 && rec.peer != rec.referrer {
			return fail("cost-0 entry %s not referred by itself", rec.peer.Short())
		}
		if rec.hidden && rec.cost != 0 {
			return fail("hidden gossiped entry %s", rec.peer.Short())
		}
	}
	if n := t.minHeap.Len(); n != live {
		return fail("min-heap holds %d entries, arena %d", n, live)
	}
	if n := t.maxHeap.Len(); n != live {
		return fail("max-heap holds %d entries, arena %d", n, live)
	}
	if n := t.byPeer.Len(); n != live {
		return fail("peer map holds %d entries, arena %d", n, live)
	}
	if n := t.ids.len(); n != live {
		return fail("%d short ids allocated, arena %d", n, live)
	}
	referred := 0
	for id, dn := range t.direct {
		referred += dn.referred.Len()
		if dn.self.valid() {
			rec := t.rec(dn.self)
			if rec == nil || rec.cost != 0 || rec.peer != id {
				return fail("direct neighbor %s has stale self entry", id.Short())
			}
		}
	}
	if referred != live {
		return fail("referrer lists hold %d entries, arena %d", referred, live)
	}
	if !t.minHeap.ordered() || !t.maxHeap.ordered() {
		return fail("heap order violated")
	}
	if live > t.cfg.MaxTableSize {
		return fail("%d entries exceed capacity %d", live, t.cfg.MaxTableSize)
	}
	return nil
}
