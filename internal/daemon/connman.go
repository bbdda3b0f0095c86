package daemon

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"dvnet/internal/debuglog"
	"dvnet/internal/peer"
)

const (
	defaultConnManTick = 5 * time.Second
	defaultDialTimeout = 8 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
	backoffBase        = 2 * time.Second
	backoffJitter      = 1 * time.Second
	maxParallelDials   = 4
)

// dialer is the part of the transport the connection manager drives.
type dialer interface {
	Dial(ctx context.Context, addr string) (peer.ID, error)
	Connected(id peer.ID) bool
}

type dialTarget struct {
	addr string
	id   peer.ID // zero until the first successful dial of a bootstrap addr
}

// connMan keeps direct links to the bootstrap addresses and to every peer
// in the address book, redialing with exponential backoff.
type connMan struct {
	self        peer.ID
	tr          dialer
	book        *peer.AddrBook
	bootstrap   []string
	clock       clock.Clock
	tick        time.Duration
	dialTimeout time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	fails   map[string]int
	nextTry map[string]time.Time
	bootID  map[string]peer.ID
}

func newConnMan(self peer.ID, tr dialer, book *peer.AddrBook, cfg Config, clk clock.Clock) *connMan {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ConnManTick <= 0 {
		cfg.ConnManTick = defaultConnManTick
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &connMan{
		self:        self,
		tr:          tr,
		book:        book,
		bootstrap:   append([]string(nil), cfg.Bootstrap...),
		clock:       clk,
		tick:        cfg.ConnManTick,
		dialTimeout: cfg.DialTimeout,
		maxBackoff:  cfg.MaxBackoff,
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6476)),
		fails:       make(map[string]int),
		nextTry:     make(map[string]time.Time),
		bootID:      make(map[string]peer.ID),
	}
}

func (c *connMan) run(ctx context.Context) error {
	c.tickOnce(ctx)
	ticker := c.clock.Ticker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tickOnce(ctx)
		}
	}
}

// tickOnce dials every due target that is not already linked and waits for
// the dials to finish.
func (c *connMan) tickOnce(ctx context.Context) {
	now := c.clock.Now()
	var g errgroup.Group
	g.SetLimit(maxParallelDials)
	for _, tgt := range c.targets() {
		if !tgt.id.IsZero() && c.tr.Connected(tgt.id) {
			c.succeeded(tgt.addr, tgt.id)
			continue
		}
		if !c.due(tgt.addr, now) {
			continue
		}
		g.Go(func() error {
			c.dial(ctx, tgt)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *connMan) dial(ctx context.Context, tgt dialTarget) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	id, err := c.tr.Dial(dctx, tgt.addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		wait := c.failed(tgt.addr)
		debuglog.RateLimitedf("dial:"+tgt.addr, 30*time.Second, "dial %s failed, retry in %s: %v", tgt.addr, wait.Round(time.Millisecond), err)
		return
	}
	if !tgt.id.IsZero() && id != tgt.id {
		debuglog.Logf("dial %s reached %s, expected %s", tgt.addr, id.Short(), tgt.id.Short())
		if c.book != nil {
			c.book.Forget(tgt.id)
		}
	}
	c.succeeded(tgt.addr, id)
}

// targets lists bootstrap addresses first, then address book entries for
// peers not already covered by a bootstrap address.
func (c *connMan) targets() []dialTarget {
	c.mu.Lock()
	out := make([]dialTarget, 0, len(c.bootstrap))
	covered := make(map[peer.ID]bool)
	for _, addr := range c.bootstrap {
		id := c.bootID[addr]
		if !id.IsZero() {
			covered[id] = true
		}
		out = append(out, dialTarget{addr: addr, id: id})
	}
	c.mu.Unlock()
	if c.book == nil {
		return out
	}
	entries := c.book.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastSeen.After(entries[j].LastSeen) })
	for _, e := range entries {
		if e.ID == c.self || covered[e.ID] {
			continue
		}
		out = append(out, dialTarget{addr: e.Addr, id: e.ID})
	}
	return out
}

func (c *connMan) due(addr string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, ok := c.nextTry[addr]
	return !ok || !now.Before(next)
}

func (c *connMan) failed(addr string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	wait := nextBackoff(c.fails[addr], c.rng, c.maxBackoff)
	c.fails[addr]++
	c.nextTry[addr] = c.clock.Now().Add(wait)
	return wait
}

func (c *connMan) succeeded(addr string, id peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fails, addr)
	delete(c.nextTry, addr)
	for _, b := range c.bootstrap {
		if b == addr {
			c.bootID[addr] = id
			break
		}
	}
}

// nextBackoff is backoffBase doubled per earlier failure plus jitter,
// capped at max.
func nextBackoff(failCount int, rng *rand.Rand, max time.Duration) time.Duration {
	shift := failCount
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	backoff := backoffBase * time.Duration(1<<shift)
	jitter := time.Duration(rng.Int64N(int64(backoffJitter)))
	raw := backoff + jitter
	if raw > max {
		return max
	}
	return raw
}
