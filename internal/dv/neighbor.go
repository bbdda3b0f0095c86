package dv

import (
	"container/list"
	"time"

	"dvnet/internal/peer"
)

// entryRef is a generational index into the table's entry arena. The zero
// value refers to nothing.
type entryRef struct {
	slot uint32
	gen  uint32
}

func (r entryRef) valid() bool { return r.gen != 0 }

// distantNeighbor is one known path to a peer: "peer is reachable at cost
// via referrer, which calls it referrerID". Cost 0 marks the entry a
// direct neighbor holds for itself.
type distantNeighbor struct {
	peer       peer.ID
	referrer   peer.ID
	ourID      uint32
	referrerID uint32
	cost       uint32
	lastActive time.Time
	hidden     bool

	minH heapHandle
	maxH heapHandle
	elem *list.Element // in referrer's referred list
}

func (d *distantNeighbor) route() Route {
	return Route{
		Peer:       d.peer,
		Referrer:   d.referrer,
		OurID:      d.ourID,
		ReferrerID: d.referrerID,
		Cost:       d.cost,
		LastActive: d.lastActive,
		Hidden:     d.hidden,
	}
}

type entrySlot struct {
	gen  uint32
	live bool
	rec  distantNeighbor
}

type directNeighbor struct {
	id          peer.ID
	hidden      bool
	referred    *list.List // of entryRef
	self        entryRef
	latency     time.Duration
	distance    uint32
	connectedAt time.Time
	// position in the min-heap where the next gossip batch to this
	// neighbor starts
	cursor int
}

// Route is a read-only copy of a routing table entry.
type Route struct {
	Peer       peer.ID
	Referrer   peer.ID
	OurID      uint32
	ReferrerID uint32
	Cost       uint32
	LastActive time.Time
	Hidden     bool
}

// Direct reports whether the route is a direct neighbor's own entry.
func (r Route) Direct() bool { return r.Cost == 0 }

// Neighbor describes a directly connected peer.
type Neighbor struct {
	ID          peer.ID
	Hidden      bool
	Latency     time.Duration
	Distance    uint32
	ConnectedAt time.Time
	OurID       uint32
	Referred    int
}
