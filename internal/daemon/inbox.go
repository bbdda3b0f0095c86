package daemon

import (
	"sync"
	"time"

	"dvnet/internal/debuglog"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

const defaultInboxCap = 256

// Delivered is one payload that reached this node.
type Delivered struct {
	Seq     uint64
	At      time.Time
	Origin  peer.ID
	Cost    uint32
	Type    uint16
	Payload []byte
}

// Inbox keeps the most recent deliveries for local clients to read. When
// full the oldest delivery is overwritten.
type Inbox struct {
	mu      sync.Mutex
	items   []Delivered
	next    int
	full    bool
	seq     uint64
	dropped uint64
}

func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = defaultInboxCap
	}
	return &Inbox{items: make([]Delivered, capacity)}
}

// Deliver implements dv.DeliverySink.
func (b *Inbox) Deliver(origin peer.ID, cost uint32, payload []byte) {
	h, _ := proto.ParseHeader(payload)
	b.mu.Lock()
	b.seq++
	if b.full {
		b.dropped++
	}
	b.items[b.next] = Delivered{
		Seq:     b.seq,
		At:      time.Now(),
		Origin:  origin,
		Cost:    cost,
		Type:    h.Type,
		Payload: payload,
	}
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	debuglog.Debugf("delivered %s from %s cost=%d", proto.TypeName(h.Type), origin.Short(), cost)
}

// Since returns the deliveries with a sequence number above after, oldest
// first.
func (b *Inbox) Since(after uint64) []Delivered {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Delivered
	n := b.next
	if b.full {
		n = len(b.items)
	}
	start := 0
	if b.full {
		start = b.next
	}
	for i := 0; i < n; i++ {
		d := b.items[(start+i)%len(b.items)]
		if d.Seq > after {
			out = append(out, d)
		}
	}
	return out
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Dropped counts deliveries overwritten by newer ones.
func (b *Inbox) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
