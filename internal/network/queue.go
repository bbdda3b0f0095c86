package network

import (
	"container/heap"
	"sync"
	"time"
)

type queued struct {
	priority uint8
	seq      uint64
	deadline time.Time
	msg      []byte
}

// queueItems orders by priority (high first), then arrival.
type queueItems []queued

func (q queueItems) Len() int { return len(q) }
func (q queueItems) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q queueItems) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queueItems) Push(x any) { *q = append(*q, x.(queued)) }
func (q *queueItems) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = queued{}
	*q = old[:n-1]
	return it
}

// sendQueue is the bounded outbound queue of one link.
type sendQueue struct {
	mu       sync.Mutex
	items    queueItems
	seq      uint64
	capacity int
	notify   chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &sendQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (q *sendQueue) push(priority uint8, msg []byte, deadline time.Time) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, queued{priority: priority, seq: q.seq, deadline: deadline, msg: msg})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available or done is closed.
func (q *sendQueue) pop(done <-chan struct{}) (queued, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(queued)
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-done:
			return queued{}, false
		}
	}
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
