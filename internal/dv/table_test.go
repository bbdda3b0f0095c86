package dv

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"dvnet/internal/peer"
	"dvnet/internal/testutil"
)

var self = testutil.PeerID(0xEE)

func newTestTable(t *testing.T, fisheye uint32, capacity int) (*Table, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tbl := NewTable(self, TableConfig{
		FisheyeDepth: fisheye,
		MaxTableSize: capacity,
		Clock:        mock,
		Rand:         rand.New(rand.NewPCG(1, 2)),
	})
	return tbl, mock
}

func mustRoute(t *testing.T, tbl *Table, id, referrer peer.ID) Route {
	t.Helper()
	for _, r := range tbl.Routes() {
		if r.Peer == id && r.Referrer == referrer {
			return r
		}
	}
	t.Fatalf("no route to %s via %s", id.Short(), referrer.Short())
	return Route{}
}

func hasRoute(tbl *Table, id, referrer peer.ID) bool {
	for _, r := range tbl.Routes() {
		if r.Peer == id && r.Referrer == referrer {
			return true
		}
	}
	return false
}

func TestConnectCreatesDirectEntry(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 10)
	a := testutil.PeerID(1)

	require.Equal(t, Inserted, tbl.Connect(a, 5*time.Millisecond, 1))
	require.True(t, tbl.IsDirect(a))
	best, ok := tbl.Best(a)
	require.True(t, ok)
	require.Zero(t, best.Cost)
	require.Equal(t, a, best.Referrer)
	require.NotZero(t, best.OurID)

	require.Equal(t, Updated, tbl.Connect(a, time.Millisecond, 1))
	require.Equal(t, 1, tbl.Len())
	require.Equal(t, RejectedSelf, tbl.Connect(self, 0, 0))
	require.NoError(t, tbl.Check())
}

func TestAddOrUpdateIsIdempotent(t *testing.T) {
	tbl, mock := newTestTable(t, 3, 10)
	a, c := testutil.PeerID(1), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)

	require.Equal(t, Inserted, tbl.AddOrUpdate(c, a, 42, 2))
	first := mustRoute(t, tbl, c, a)
	mock.Add(time.Minute)
	require.Equal(t, Updated, tbl.AddOrUpdate(c, a, 42, 2))

	require.Equal(t, 2, tbl.Len())
	again := mustRoute(t, tbl, c, a)
	require.Equal(t, first.OurID, again.OurID)
	require.Equal(t, mock.Now(), again.LastActive)
	require.NoError(t, tbl.Check())
}

func TestAddOrUpdateUpdatesCostInPlace(t *testing.T) {
	tbl, _ := newTestTable(t, 5, 10)
	a, b, c := testutil.PeerID(1), testutil.PeerID(2), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.Connect(b, 0, 1)
	tbl.AddOrUpdate(c, a, 7, 4)
	tbl.AddOrUpdate(c, b, 8, 2)

	best, _ := tbl.Best(c)
	require.Equal(t, b, best.Referrer)

	require.Equal(t, Updated, tbl.AddOrUpdate(c, a, 9, 1))
	best, _ = tbl.Best(c)
	require.Equal(t, a, best.Referrer)
	require.EqualValues(t, 9, best.ReferrerID)
	require.NoError(t, tbl.Check())
}

func TestAddOrUpdateRejections(t *testing.T) {
	tbl, _ := newTestTable(t, 2, 10)
	a, c := testutil.PeerID(1), testutil.PeerID(3)

	require.Equal(t, RejectedNoReferrer, tbl.AddOrUpdate(c, a, 1, 1))
	tbl.Connect(a, 0, 1)
	require.Equal(t, RejectedTooFar, tbl.AddOrUpdate(c, a, 1, 3))
	require.Equal(t, RejectedSelf, tbl.AddOrUpdate(self, a, 1, 1))
	require.Equal(t, Inserted, tbl.AddOrUpdate(c, a, 1, 2))
	require.Equal(t, 2, tbl.Len())
	require.NoError(t, tbl.Check())
}

func TestCapacityEvictsMostExpensive(t *testing.T) {
	tbl, _ := newTestTable(t, 5, 4)
	a, b := testutil.PeerID(1), testutil.PeerID(2)
	c, d, e, f := testutil.PeerID(3), testutil.PeerID(4), testutil.PeerID(5), testutil.PeerID(6)
	tbl.Connect(a, 0, 1)
	tbl.Connect(b, 0, 1)
	tbl.AddOrUpdate(c, a, 1, 3)
	tbl.AddOrUpdate(d, a, 2, 2)
	evicted := mustRoute(t, tbl, c, a)

	require.Equal(t, Inserted, tbl.AddOrUpdate(e, b, 3, 1))
	require.Equal(t, 4, tbl.Len())
	require.False(t, hasRoute(tbl, c, a))
	_, ok := tbl.FindByShortID(evicted.OurID)
	require.False(t, ok)

	require.Equal(t, RejectedFull, tbl.AddOrUpdate(f, b, 4, 5))
	require.Equal(t, RejectedFull, tbl.AddOrUpdate(f, b, 4, 2))
	require.Equal(t, 4, tbl.Len())
	require.NoError(t, tbl.Check())
}

func TestDirectEntriesAreNeverEvicted(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 2)
	a, b, x, c := testutil.PeerID(1), testutil.PeerID(2), testutil.PeerID(9), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.Connect(b, 0, 1)

	require.Equal(t, RejectedFull, tbl.Connect(x, 0, 1))
	require.Equal(t, RejectedFull, tbl.AddOrUpdate(c, a, 1, 1))
	require.True(t, hasRoute(tbl, a, a))
	require.True(t, hasRoute(tbl, b, b))
	require.Equal(t, 2, tbl.Len())
	require.NoError(t, tbl.Check())
}

func TestNeighborConnectedWhileFullGetsEntryLater(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 2)
	a, b, c := testutil.PeerID(1), testutil.PeerID(2), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.Connect(b, 0, 1)
	require.Equal(t, RejectedFull, tbl.Connect(c, 0, 1))
	require.True(t, tbl.IsDirect(c))
	require.False(t, hasRoute(tbl, c, c))

	tbl.Disconnect(a)
	r := mustRoute(t, tbl, c, c)
	require.Zero(t, r.Cost)
	require.NotZero(t, r.OurID)
	_, ok := tbl.Origin(c, 0)
	require.True(t, ok, "data from c must resolve once it has an entry")
	require.Equal(t, 2, tbl.Len())
	require.NoError(t, tbl.Check())
}

func TestExpireStaleKeepsDirectEntries(t *testing.T) {
	tbl, mock := newTestTable(t, 3, 10)
	a, c, d := testutil.PeerID(1), testutil.PeerID(3), testutil.PeerID(4)
	tbl.Connect(a, 0, 1)
	tbl.AddOrUpdate(c, a, 1, 1)
	mock.Add(4 * time.Minute)
	tbl.AddOrUpdate(d, a, 2, 2)
	mock.Add(2 * time.Minute)

	removed := tbl.ExpireStale(mock.Now(), 5*time.Minute)
	require.Len(t, removed, 1)
	require.Equal(t, c, removed[0].Peer)
	require.True(t, hasRoute(tbl, a, a))
	require.True(t, hasRoute(tbl, d, a))

	mock.Add(time.Hour)
	removed = tbl.ExpireStale(mock.Now(), 5*time.Minute)
	require.Len(t, removed, 1)
	require.True(t, hasRoute(tbl, a, a))
	require.NoError(t, tbl.Check())
}

func TestDisconnectCascadesOnlyOwnEntries(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 20)
	a, b := testutil.PeerID(1), testutil.PeerID(2)
	tbl.Connect(a, 0, 1)
	tbl.Connect(b, 0, 1)
	for i := byte(10); i < 13; i++ {
		tbl.AddOrUpdate(testutil.PeerID(i), a, uint32(i), 1)
	}
	for i := byte(10); i < 12; i++ {
		tbl.AddOrUpdate(testutil.PeerID(i), b, uint32(i), 2)
	}
	require.Equal(t, 7, tbl.Len())

	removed := tbl.Disconnect(a)
	require.Len(t, removed, 4)
	for _, r := range removed {
		require.Equal(t, a, r.Referrer)
	}
	require.Equal(t, 3, tbl.Len())
	require.False(t, tbl.IsDirect(a))
	for _, r := range tbl.Routes() {
		require.Equal(t, b, r.Referrer)
	}
	require.Nil(t, tbl.Disconnect(a))
	require.NoError(t, tbl.Check())
}

func TestFindByShortIDRoundTrip(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 10)
	a, c := testutil.PeerID(1), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.AddOrUpdate(c, a, 5, 1)
	r := mustRoute(t, tbl, c, a)

	got, ok := tbl.FindByShortID(r.OurID)
	require.True(t, ok)
	require.Equal(t, r, got)

	_, ok = tbl.RemoveByReferrerID(a, 5)
	require.True(t, ok)
	_, ok = tbl.FindByShortID(r.OurID)
	require.False(t, ok)
	_, ok = tbl.FindByShortID(0)
	require.False(t, ok)
}

func TestOriginResolvesByReferrerID(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 10)
	a, c := testutil.PeerID(1), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.AddOrUpdate(c, a, 77, 2)

	o, ok := tbl.Origin(a, 0)
	require.True(t, ok)
	require.Equal(t, a, o.Peer)
	o, ok = tbl.Origin(a, 77)
	require.True(t, ok)
	require.Equal(t, c, o.Peer)
	_, ok = tbl.Origin(a, 78)
	require.False(t, ok)
	_, ok = tbl.Origin(c, 0)
	require.False(t, ok)
}

func TestRemoveByReferrerIDSparesDirectEntry(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 10)
	a := testutil.PeerID(1)
	tbl.Connect(a, 0, 1)
	_, ok := tbl.RemoveByReferrerID(a, 0)
	require.False(t, ok)
	require.True(t, hasRoute(tbl, a, a))
}

func TestShortIDsAreUnique(t *testing.T) {
	tbl, _ := newTestTable(t, 3, 500)
	a := testutil.PeerID(1)
	tbl.Connect(a, 0, 1)
	for i := 0; i < 300; i++ {
		var id peer.ID
		id[0], id[1] = byte(i>>8), byte(i)
		id[31] = 0x55
		require.Equal(t, Inserted, tbl.AddOrUpdate(id, a, uint32(i+1), 1))
	}
	seen := make(map[uint32]bool)
	for _, r := range tbl.Routes() {
		require.NotZero(t, r.OurID)
		require.False(t, seen[r.OurID])
		seen[r.OurID] = true
	}
	require.NoError(t, tbl.Check())
}

func TestShortIDAllocatorRange(t *testing.T) {
	alloc := NewShortIDAllocator(rand.New(rand.NewPCG(3, 4)))
	for i := 0; i < 10000; i++ {
		id := alloc.Allocate()
		require.NotZero(t, id)
		require.NotEqual(t, ^uint32(0), id)
	}
}

func TestHiddenOnlyOnDirectEntries(t *testing.T) {
	mock := clock.NewMock()
	tbl := NewTable(self, TableConfig{
		FisheyeDepth: 3,
		MaxTableSize: 10,
		HiddenOneIn:  1,
		Clock:        mock,
		Rand:         rand.New(rand.NewPCG(5, 6)),
	})
	a, c := testutil.PeerID(1), testutil.PeerID(3)
	tbl.Connect(a, 0, 1)
	tbl.AddOrUpdate(c, a, 1, 1)
	require.True(t, mustRoute(t, tbl, a, a).Hidden)
	require.False(t, mustRoute(t, tbl, c, a).Hidden)
	require.True(t, tbl.Neighbors()[0].Hidden)
	require.NoError(t, tbl.Check())
}

// Random add/update/evict/expire/disconnect sequences must keep the four
// structures consistent, stay within capacity, and never lose a direct
// entry except through its own disconnect.
func TestRandomOperationsKeepTableConsistent(t *testing.T) {
	const capacity = 12
	tbl, mock := newTestTable(t, 4, capacity)
	rng := rand.New(rand.NewPCG(11, 13))
	directWithEntry := make(map[peer.ID]bool)

	for step := 0; step < 3000; step++ {
		p := testutil.PeerID(byte(1 + rng.IntN(16)))
		switch op := rng.IntN(10); {
		case op < 2:
			switch tbl.Connect(p, 0, 1) {
			case Inserted, Updated:
				directWithEntry[p] = true
			}
		case op < 3:
			tbl.Disconnect(p)
			delete(directWithEntry, p)
		case op < 8:
			ids := tbl.directIDs()
			if len(ids) == 0 {
				continue
			}
			ref := ids[rng.IntN(len(ids))]
			if p == ref {
				continue
			}
			tbl.AddOrUpdate(p, ref, uint32(1+rng.IntN(1000)), uint32(1+rng.IntN(5)))
		default:
			mock.Add(time.Duration(rng.IntN(90)) * time.Second)
			tbl.ExpireStale(mock.Now(), 2*time.Minute)
		}
		require.NoError(t, tbl.Check(), "step %d", step)
		require.LessOrEqual(t, tbl.Len(), capacity)
		for id := range directWithEntry {
			require.True(t, hasRoute(tbl, id, id), "direct entry for %s lost at step %d", id.Short(), step)
		}
		for _, n := range tbl.Neighbors() {
			if n.OurID == 0 {
				require.Equal(t, capacity, tbl.Len(), "neighbor %s left without an entry at step %d", n.ID.Short(), step)
			}
		}
	}
}
