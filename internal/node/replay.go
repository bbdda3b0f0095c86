package node

import (
	"encoding/binary"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"dvnet/internal/peer"
)

const (
	defaultReplayCap = 1024
	defaultReplayTTL = 10 * time.Minute
)

type replayKey [peer.IDSize + 8]byte

type replayGuard struct {
	seen *expirable.LRU[replayKey, struct{}]
}

func newReplayGuard(capacity int, ttl time.Duration) *replayGuard {
	return &replayGuard{seen: expirable.NewLRU[replayKey, struct{}](capacity, nil, ttl)}
}

// check records (id, nonce) and reports whether it was new.
func (g *replayGuard) check(id peer.ID, nonce uint64) bool {
	var k replayKey
	copy(k[:], id[:])
	binary.BigEndian.PutUint64(k[peer.IDSize:], nonce)
	if g.seen.Contains(k) {
		return false
	}
	g.seen.Add(k, struct{}{})
	return true
}
