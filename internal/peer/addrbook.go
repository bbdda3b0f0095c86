package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultAddrBookCap = 512
	DefaultAddrBookTTL = 24 * time.Hour
	maxAddrScanSize    = 64 << 10
)

// AddrEntry is the last dialable address seen for a peer.
type AddrEntry struct {
	ID       ID
	Addr     string
	LastSeen time.Time
}

type diskAddr struct {
	PeerID   string `json:"peer_id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

// AddrBook remembers where directly connected peers were reachable so the
// node can redial them after a restart. Entries expire after the TTL.
type AddrBook struct {
	path  string
	ttl   time.Duration
	cache *expirable.LRU[ID, AddrEntry]
}

func NewAddrBook(path string, capacity int, ttl time.Duration) (*AddrBook, error) {
	if capacity <= 0 {
		capacity = DefaultAddrBookCap
	}
	if ttl <= 0 {
		ttl = DefaultAddrBookTTL
	}
	b := &AddrBook{
		path:  path,
		ttl:   ttl,
		cache: expirable.NewLRU[ID, AddrEntry](capacity, nil, ttl),
	}
	if path == "" {
		return b, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AddrBook) Record(id ID, addr string, now time.Time) {
	if id.IsZero() || addr == "" {
		return
	}
	b.cache.Add(id, AddrEntry{ID: id, Addr: addr, LastSeen: now})
}

func (b *AddrBook) Addr(id ID) (string, bool) {
	ent, ok := b.cache.Get(id)
	if !ok {
		return "", false
	}
	return ent.Addr, true
}

func (b *AddrBook) Forget(id ID) {
	b.cache.Remove(id)
}

func (b *AddrBook) Len() int {
	return b.cache.Len()
}

// List returns entries, most recently seen first.
func (b *AddrBook) List() []AddrEntry {
	out := b.cache.Values()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Save rewrites the book file atomically.
func (b *AddrBook) Save() error {
	if b.path == "" {
		return nil
	}
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, ent := range b.List() {
		rec := diskAddr{PeerID: ent.ID.String(), Addr: ent.Addr, LastSeen: ent.LastSeen.Unix()}
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *AddrBook) load() error {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	now := time.Now()
	var recs []diskAddr
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), maxAddrScanSize)
	for sc.Scan() {
		var rec diskAddr
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("addrbook scan: %w", err)
	}
	// oldest first so the LRU keeps the freshest entries
	sort.Slice(recs, func(i, j int) bool { return recs[i].LastSeen < recs[j].LastSeen })
	for _, rec := range recs {
		id, err := ParseID(rec.PeerID)
		if err != nil || rec.Addr == "" {
			continue
		}
		seen := time.Unix(rec.LastSeen, 0)
		if now.Sub(seen) > b.ttl {
			continue
		}
		b.cache.Add(id, AddrEntry{ID: id, Addr: rec.Addr, LastSeen: seen})
	}
	return nil
}
