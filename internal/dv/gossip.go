package dv

import (
	"time"

	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

// GossipBatch picks up to max adverts for the direct neighbor to. It walks
// the min-heap from where the previous batch for to stopped, so successive
// batches cycle through the whole table. Skipped: hidden entries, routes
// learned from to (split horizon), routes to to itself, routes that would
// exceed the fisheye depth once to adds its hop, and all but the best
// remaining route per peer.
func (t *Table) GossipBatch(to peer.ID, max int) []proto.Advert {
	dn, ok := t.direct[to]
	if !ok || max <= 0 {
		return nil
	}
	n := t.minHeap.Len()
	if n == 0 {
		return nil
	}
	if dn.cursor >= n {
		dn.cursor = 0
	}
	var out []proto.Advert
	i := 0
	for ; i < n && len(out) < max; i++ {
		ref, cost := t.minHeap.At((dn.cursor + i) % n)
		rec := t.rec(ref)
		if rec == nil || rec.hidden || rec.referrer == to || rec.peer == to {
			continue
		}
		if uint64(cost)+1 > uint64(t.cfg.FisheyeDepth) {
			continue
		}
		if best := t.best(rec.peer, &to); best != rec {
			continue
		}
		out = append(out, proto.Advert{Peer: rec.peer, Cost: cost, ID: rec.ourID})
	}
	dn.cursor = (dn.cursor + i) % n
	return out
}

// advertisedID is the short id neighbor to knows origin.Peer by: the id of
// the route GossipBatch would pick for it. Falls back to origin's own id
// when no such route exists.
func (t *Table) advertisedID(origin Route, to peer.ID) uint32 {
	if rec := t.best(origin.Peer, &to); rec != nil {
		return rec.ourID
	}
	return origin.OurID
}

// advertisable reports whether a removed route could have been gossiped,
// i.e. whether neighbors may hold state that needs a withdrawal.
func (t *Table) advertisable(r Route) bool {
	return !r.Hidden && uint64(r.Cost)+1 <= uint64(t.cfg.FisheyeDepth)
}

// gossipInterval spreads maxInterval over the table so larger tables gossip
// more often, bounded to [minInterval, maxInterval].
func gossipInterval(size int, minInterval, maxInterval time.Duration) time.Duration {
	if size <= 0 {
		return maxInterval
	}
	d := maxInterval / time.Duration(size)
	if d < minInterval {
		d = minInterval
	}
	if d > maxInterval {
		d = maxInterval
	}
	return d
}
