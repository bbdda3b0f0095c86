package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dv"

// Drop reasons for inbound DV traffic.
const (
	DropMalformed          = "malformed"
	DropUnknownSender      = "unknown_sender"
	DropUnknownOrigin      = "unknown_origin"
	DropUnknownDestination = "unknown_destination"
	DropRecursive          = "recursive"
	DropUnknownType        = "unknown_type"
	DropRateLimited        = "rate_limited"
	DropQueueFull          = "queue_full"
	DropDeadline           = "deadline"
)

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Table          TableMetrics      `json:"table"`
	Relay          RelayMetrics      `json:"relay"`
	Gossip         GossipMetrics     `json:"gossip"`
	Link           LinkMetrics       `json:"link"`
	TableByOutcome map[string]uint64 `json:"table_by_outcome"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	Recent         []RouteEvent      `json:"recent"`
}

type TableMetrics struct {
	Size            int64  `json:"size"`
	DirectNeighbors int64  `json:"direct_neighbors"`
	Evicted         uint64 `json:"evicted"`
	Expired         uint64 `json:"expired"`
	CascadeRemoved  uint64 `json:"cascade_removed"`
	Withdrawn       uint64 `json:"withdrawn"`
}

type RelayMetrics struct {
	Delivered      uint64 `json:"delivered"`
	Forwarded      uint64 `json:"forwarded"`
	ForwardRefused uint64 `json:"forward_refused"`
	LoopDetected   uint64 `json:"loop_detected"`
	ClientSent     uint64 `json:"client_sent"`
}

type GossipMetrics struct {
	Sent               uint64 `json:"sent"`
	AdvertsSent        uint64 `json:"adverts_sent"`
	Received           uint64 `json:"received"`
	AdvertsReceived    uint64 `json:"adverts_received"`
	DisconnectSent     uint64 `json:"disconnect_sent"`
	DisconnectReceived uint64 `json:"disconnect_received"`
}

type LinkMetrics struct {
	Current      int64  `json:"current"`
	Connected    uint64 `json:"connected"`
	Disconnected uint64 `json:"disconnected"`
}

type counter struct {
	v atomic.Uint64
	p prometheus.Counter
}

func (c *counter) inc(n uint64) {
	c.v.Add(n)
	c.p.Add(float64(n))
}

type gauge struct {
	v atomic.Int64
	p prometheus.Gauge
}

func (g *gauge) set(n int64) {
	g.v.Store(n)
	g.p.Set(float64(n))
}

type labeled struct {
	mu   sync.Mutex
	vals map[string]uint64
	vec  *prometheus.CounterVec
}

func (l *labeled) inc(key string) {
	l.mu.Lock()
	l.vals[key]++
	l.mu.Unlock()
	l.vec.WithLabelValues(key).Inc()
}

func (l *labeled) snapshot() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.vals))
	for k, v := range l.vals {
		out[k] = v
	}
	return out
}

// Metrics counts table, relay, gossip and link events. Every counter is
// kept both as an atomic (for the JSON snapshot) and in a private
// Prometheus registry. A nil *Metrics is valid and counts nothing.
type Metrics struct {
	reg *prometheus.Registry

	evicted, expired, cascadeRemoved, withdrawn                   counter
	delivered, forwarded, forwardRefused, loopDetected, clientSent counter
	gossipSent, advertsSent, gossipReceived, advertsReceived       counter
	disconnectSent, disconnectReceived                             counter
	linkConnected, linkDisconnected                                counter

	tableSize, directNeighbors, links gauge

	tableOutcome labeled
	drops        labeled

	recent *RouteRecent
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry(), recent: NewRouteRecent(64)}
	newCounter := func(c *counter, subsystem, name, help string) {
		c.p = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
		m.reg.MustRegister(c.p)
	}
	newGauge := func(g *gauge, subsystem, name, help string) {
		g.p = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
		m.reg.MustRegister(g.p)
	}
	newLabeled := func(l *labeled, subsystem, name, label, help string) {
		l.vals = make(map[string]uint64)
		l.vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, []string{label})
		m.reg.MustRegister(l.vec)
	}

	newCounter(&m.evicted, "table", "evicted_total", "Entries evicted to make room for cheaper routes.")
	newCounter(&m.expired, "table", "expired_total", "Entries removed after the peer expiration window.")
	newCounter(&m.cascadeRemoved, "table", "cascade_removed_total", "Entries removed because their referrer disconnected.")
	newCounter(&m.withdrawn, "table", "withdrawn_total", "Entries removed by a neighbour's disconnect notice.")
	newCounter(&m.delivered, "relay", "delivered_total", "DV_DATA payloads delivered locally.")
	newCounter(&m.forwarded, "relay", "forwarded_total", "DV_DATA messages forwarded to a next hop.")
	newCounter(&m.forwardRefused, "relay", "forward_refused_total", "Forwards the link layer refused.")
	newCounter(&m.loopDetected, "relay", "loop_detected_total", "DV_DATA messages whose destination was the sending hop.")
	newCounter(&m.clientSent, "relay", "client_sent_total", "Local client messages handed to a next hop.")
	newCounter(&m.gossipSent, "gossip", "sent_total", "DV_GOSSIP messages sent.")
	newCounter(&m.advertsSent, "gossip", "adverts_sent_total", "Route adverts sent.")
	newCounter(&m.gossipReceived, "gossip", "received_total", "DV_GOSSIP messages received.")
	newCounter(&m.advertsReceived, "gossip", "adverts_received_total", "Route adverts received.")
	newCounter(&m.disconnectSent, "gossip", "disconnect_sent_total", "DV_DISCONNECT notices sent.")
	newCounter(&m.disconnectReceived, "gossip", "disconnect_received_total", "DV_DISCONNECT notices received.")
	newCounter(&m.linkConnected, "link", "connected_total", "Links established.")
	newCounter(&m.linkDisconnected, "link", "disconnected_total", "Links torn down.")
	newGauge(&m.tableSize, "table", "size", "Entries in the routing table.")
	newGauge(&m.directNeighbors, "table", "direct_neighbors", "Directly connected neighbours.")
	newGauge(&m.links, "link", "current", "Open links.")
	newLabeled(&m.tableOutcome, "table", "updates_total", "outcome", "Routing table add/update calls by outcome.")
	newLabeled(&m.drops, "relay", "dropped_total", "reason", "Inbound messages dropped by reason.")
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Recent() *RouteRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncTableOutcome(outcome string) {
	if m == nil {
		return
	}
	m.tableOutcome.inc(outcome)
}

func (m *Metrics) IncDrop(reason string) {
	if m == nil {
		return
	}
	m.drops.inc(reason)
}

func (m *Metrics) IncEvicted()        { m.add(func(m *Metrics) { m.evicted.inc(1) }) }
func (m *Metrics) IncExpired()        { m.add(func(m *Metrics) { m.expired.inc(1) }) }
func (m *Metrics) IncCascadeRemoved() { m.add(func(m *Metrics) { m.cascadeRemoved.inc(1) }) }
func (m *Metrics) IncWithdrawn()      { m.add(func(m *Metrics) { m.withdrawn.inc(1) }) }
func (m *Metrics) IncDelivered()      { m.add(func(m *Metrics) { m.delivered.inc(1) }) }
func (m *Metrics) IncForwarded()      { m.add(func(m *Metrics) { m.forwarded.inc(1) }) }
func (m *Metrics) IncForwardRefused() { m.add(func(m *Metrics) { m.forwardRefused.inc(1) }) }
func (m *Metrics) IncLoopDetected()   { m.add(func(m *Metrics) { m.loopDetected.inc(1) }) }
func (m *Metrics) IncClientSent()     { m.add(func(m *Metrics) { m.clientSent.inc(1) }) }
func (m *Metrics) IncLinkConnected()  { m.add(func(m *Metrics) { m.linkConnected.inc(1) }) }
func (m *Metrics) IncLinkDisconnected() {
	m.add(func(m *Metrics) { m.linkDisconnected.inc(1) })
}

func (m *Metrics) AddGossipSent(adverts int) {
	m.add(func(m *Metrics) {
		m.gossipSent.inc(1)
		m.advertsSent.inc(uint64(adverts))
	})
}

func (m *Metrics) AddGossipReceived(adverts int) {
	m.add(func(m *Metrics) {
		m.gossipReceived.inc(1)
		m.advertsReceived.inc(uint64(adverts))
	})
}

func (m *Metrics) IncDisconnectSent()     { m.add(func(m *Metrics) { m.disconnectSent.inc(1) }) }
func (m *Metrics) IncDisconnectReceived() { m.add(func(m *Metrics) { m.disconnectReceived.inc(1) }) }

func (m *Metrics) SetTableSize(n, direct int) {
	m.add(func(m *Metrics) {
		m.tableSize.set(int64(n))
		m.directNeighbors.set(int64(direct))
	})
}

func (m *Metrics) SetLinks(n int) {
	m.add(func(m *Metrics) { m.links.set(int64(n)) })
}

func (m *Metrics) add(fn func(*Metrics)) {
	if m == nil {
		return
	}
	fn(m)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	recent := []RouteEvent{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Table: TableMetrics{
			Size:            m.tableSize.v.Load(),
			DirectNeighbors: m.directNeighbors.v.Load(),
			Evicted:         m.evicted.v.Load(),
			Expired:         m.expired.v.Load(),
			CascadeRemoved:  m.cascadeRemoved.v.Load(),
			Withdrawn:       m.withdrawn.v.Load(),
		},
		Relay: RelayMetrics{
			Delivered:      m.delivered.v.Load(),
			Forwarded:      m.forwarded.v.Load(),
			ForwardRefused: m.forwardRefused.v.Load(),
			LoopDetected:   m.loopDetected.v.Load(),
			ClientSent:     m.clientSent.v.Load(),
		},
		Gossip: GossipMetrics{
			Sent:               m.gossipSent.v.Load(),
			AdvertsSent:        m.advertsSent.v.Load(),
			Received:           m.gossipReceived.v.Load(),
			AdvertsReceived:    m.advertsReceived.v.Load(),
			DisconnectSent:     m.disconnectSent.v.Load(),
			DisconnectReceived: m.disconnectReceived.v.Load(),
		},
		Link: LinkMetrics{
			Current:      m.links.v.Load(),
			Connected:    m.linkConnected.v.Load(),
			Disconnected: m.linkDisconnected.v.Load(),
		},
		TableByOutcome: m.tableOutcome.snapshot(),
		DropByReason:   m.drops.snapshot(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RouteEvent records a routing table change for the status view.
type RouteEvent struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Peer   string    `json:"peer"`
	Cost   uint32    `json:"cost"`
	Reason string    `json:"reason,omitempty"`
}

type RouteRecent struct {
	mu   sync.Mutex
	cap  int
	list []RouteEvent
}

func NewRouteRecent(capacity int) *RouteRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &RouteRecent{cap: capacity}
}

func (r *RouteRecent) Add(ev RouteEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *RouteRecent) List() []RouteEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RouteEvent, len(r.list))
	copy(out, r.list)
	return out
}

// SortedKeys returns the keys of a snapshot map in stable order.
func SortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
