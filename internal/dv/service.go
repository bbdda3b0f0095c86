package dv

import (
	"math/rand/v2"
	"time"

	"github.com/Arceliar/phony"
	"github.com/benbjohnson/clock"

	"dvnet/internal/debuglog"
	"dvnet/internal/metrics"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

// Core is the link layer the service sends through. Send must not block;
// it reports whether the message was queued for dest.
type Core interface {
	Send(dest peer.ID, priority uint8, msg []byte, maxDelay time.Duration) bool
}

// DeliverySink receives DV_DATA payloads addressed to this node. origin is
// the peer that first sent the payload and cost its distance from us.
type DeliverySink interface {
	Deliver(origin peer.ID, cost uint32, payload []byte)
}

type Config struct {
	FisheyeDepth      uint32
	MaxTableSize      int
	HiddenOneIn       int
	GossipMinInterval time.Duration
	GossipMaxInterval time.Duration
	GossipBatch       int
	PeerExpiration    time.Duration
	ExpireSweep       time.Duration
	DataPriority      uint8
	GossipPriority    uint8
	DataMaxDelay      time.Duration
	GossipMaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FisheyeDepth:      DefaultFisheyeDepth,
		MaxTableSize:      DefaultMaxTableSize,
		HiddenOneIn:       DefaultHiddenOneIn,
		GossipMinInterval: 500 * time.Millisecond,
		GossipMaxInterval: 5 * time.Second,
		GossipBatch:       16,
		PeerExpiration:    5 * time.Minute,
		ExpireSweep:       5 * time.Second,
		DataPriority:      4,
		GossipPriority:    1,
		DataMaxDelay:      time.Second,
		GossipMaxDelay:    5 * time.Second,
	}
}

type Options struct {
	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *metrics.Metrics
}

// Service owns the routing table and runs every table operation on its
// own inbox, so link goroutines and local clients never touch the table
// directly. Methods prefixed with an underscore run on the inbox.
type Service struct {
	phony.Inbox
	self    peer.ID
	cfg     Config
	core    Core
	sink    DeliverySink
	clock   clock.Clock
	metrics *metrics.Metrics
	table   *Table

	running     bool
	gossipTimer *clock.Timer
	expireTimer *clock.Timer
}

func NewService(self peer.ID, cfg Config, core Core, sink DeliverySink, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if cfg.GossipBatch <= 0 {
		cfg.GossipBatch = proto.MaxAdverts
	}
	s := &Service{
		self:    self,
		cfg:     cfg,
		core:    core,
		sink:    sink,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
	s.table = NewTable(self, TableConfig{
		FisheyeDepth: cfg.FisheyeDepth,
		MaxTableSize: cfg.MaxTableSize,
		HiddenOneIn:  cfg.HiddenOneIn,
		Clock:        opts.Clock,
		Rand:         opts.Rand,
		OnRemove:     s._routeRemoved,
	})
	return s
}

func (s *Service) Self() peer.ID { return s.self }

// Start arms the gossip and expiry timers.
func (s *Service) Start() {
	s.Act(nil, func() {
		if s.running {
			return
		}
		s.running = true
		s._armGossip()
		s._armExpire()
	})
}

// Stop cancels the timers. Events still queued are processed but no new
// timer work is scheduled.
func (s *Service) Stop() {
	phony.Block(s, func() {
		s.running = false
		if s.gossipTimer != nil {
			s.gossipTimer.Stop()
			s.gossipTimer = nil
		}
		if s.expireTimer != nil {
			s.expireTimer.Stop()
			s.expireTimer = nil
		}
	})
}

func (s *Service) PeerConnected(id peer.ID, latency time.Duration, distance uint32) {
	s.Act(nil, func() { s._connect(id, latency, distance) })
}

func (s *Service) PeerDisconnected(id peer.ID) {
	s.Act(nil, func() { s._disconnect(id) })
}

// HandleMessage queues an inbound DV message from the direct neighbor from.
func (s *Service) HandleMessage(from peer.ID, msg []byte) {
	s.Act(nil, func() { s._handle(from, msg) })
}

// Send routes a framed payload to dest over the cheapest known path.
func (s *Service) Send(dest peer.ID, payload []byte) error {
	var err error
	phony.Block(s, func() { err = s._send(dest, payload) })
	return err
}

func (s *Service) Routes() []Route {
	var out []Route
	phony.Block(s, func() { out = s.table.Routes() })
	return out
}

func (s *Service) Neighbors() []Neighbor {
	var out []Neighbor
	phony.Block(s, func() { out = s.table.Neighbors() })
	return out
}

func (s *Service) Check() error {
	var err error
	phony.Block(s, func() { err = s.table.Check() })
	return err
}

func (s *Service) _connect(id peer.ID, latency time.Duration, distance uint32) {
	outcome := s.table.Connect(id, latency, distance)
	s.metrics.IncTableOutcome(outcome.String())
	if outcome == Inserted {
		debuglog.Debugf("dv neighbor up peer=%s latency=%s", id.Short(), latency)
		s.metrics.Recent().Add(metrics.RouteEvent{At: s.clock.Now(), Event: "connected", Peer: id.String()})
	}
	s._gaugeTable()
	if s.running {
		s._gossipTo(id)
	}
}

func (s *Service) _disconnect(id peer.ID) {
	if !s.table.IsDirect(id) {
		return
	}
	removed := s.table.Disconnect(id)
	debuglog.Debugf("dv neighbor down peer=%s removed=%d", id.Short(), len(removed))
	s._gaugeTable()
}

func (s *Service) _handle(from peer.ID, msg []byte) {
	h, err := proto.ParseHeader(msg)
	if err != nil {
		s._drop(from, metrics.DropMalformed, err)
		return
	}
	switch h.Type {
	case proto.TypeDVData:
		s._handleData(from, msg)
	case proto.TypeDVGossip:
		s._handleGossip(from, msg)
	case proto.TypeDVDisconnect:
		s._handleDisconnect(from, msg)
	default:
		s._drop(from, metrics.DropUnknownType, nil)
	}
}

func (s *Service) _handleGossip(from peer.ID, raw []byte) {
	msg, err := proto.DecodeGossip(raw)
	if err != nil {
		s._drop(from, metrics.DropMalformed, err)
		return
	}
	if !s.table.IsDirect(from) {
		s._drop(from, metrics.DropUnknownSender, nil)
		return
	}
	s.metrics.AddGossipReceived(len(msg.Adverts))
	for _, ad := range msg.Adverts {
		if ad.Peer == s.self || ad.Peer == from || ad.ID == 0 || ad.Cost == ^uint32(0) {
			continue
		}
		outcome := s.table.AddOrUpdate(ad.Peer, from, ad.ID, ad.Cost+1)
		s.metrics.IncTableOutcome(outcome.String())
		if outcome == Inserted {
			s.metrics.Recent().Add(metrics.RouteEvent{At: s.clock.Now(), Event: "learned", Peer: ad.Peer.String(), Cost: ad.Cost + 1})
		}
	}
	s._gaugeTable()
}

func (s *Service) _handleDisconnect(from peer.ID, raw []byte) {
	msg, err := proto.DecodeDisconnect(raw)
	if err != nil {
		s._drop(from, metrics.DropMalformed, err)
		return
	}
	if !s.table.IsDirect(from) {
		s._drop(from, metrics.DropUnknownSender, nil)
		return
	}
	s.metrics.IncDisconnectReceived()
	if _, ok := s.table.RemoveByReferrerID(from, msg.ID); ok {
		s._gaugeTable()
	}
}

// _routeRemoved runs from inside table mutations; it only reads the table.
func (s *Service) _routeRemoved(r Route, reason RemoveReason) {
	switch reason {
	case RemovedEvicted:
		s.metrics.IncEvicted()
	case RemovedExpired:
		s.metrics.IncExpired()
	case RemovedReferrerGone:
		s.metrics.IncCascadeRemoved()
	case RemovedWithdrawn:
		s.metrics.IncWithdrawn()
	}
	s.metrics.Recent().Add(metrics.RouteEvent{
		At:     s.clock.Now(),
		Event:  "removed",
		Peer:   r.Peer.String(),
		Cost:   r.Cost,
		Reason: reason.String(),
	})
	if !s.table.advertisable(r) {
		return
	}
	notice := proto.EncodeDisconnect(proto.DisconnectMsg{ID: r.OurID})
	for _, id := range s.table.directIDs() {
		if id == r.Referrer || id == r.Peer {
			continue
		}
		if s.core.Send(id, s.cfg.GossipPriority, notice, s.cfg.GossipMaxDelay) {
			s.metrics.IncDisconnectSent()
		}
	}
}

func (s *Service) _gossipTo(id peer.ID) {
	adverts := s.table.GossipBatch(id, s.cfg.GossipBatch)
	if len(adverts) == 0 {
		return
	}
	raw, err := proto.EncodeGossip(proto.GossipMsg{Adverts: adverts})
	if err != nil {
		debuglog.Debugf("dv gossip encode failed: %v", err)
		return
	}
	if s.core.Send(id, s.cfg.GossipPriority, raw, s.cfg.GossipMaxDelay) {
		s.metrics.AddGossipSent(len(adverts))
	}
}

func (s *Service) _gossipTick() {
	if !s.running {
		return
	}
	for _, id := range s.table.directIDs() {
		s._gossipTo(id)
	}
	s._armGossip()
}

func (s *Service) _expireTick() {
	if !s.running {
		return
	}
	if removed := s.table.ExpireStale(s.clock.Now(), s.cfg.PeerExpiration); len(removed) > 0 {
		debuglog.Debugf("dv expired %d routes", len(removed))
		s._gaugeTable()
	}
	s._armExpire()
}

func (s *Service) _armGossip() {
	d := gossipInterval(s.table.Len(), s.cfg.GossipMinInterval, s.cfg.GossipMaxInterval)
	s.gossipTimer = s.clock.AfterFunc(d, func() { s.Act(nil, s._gossipTick) })
}

func (s *Service) _armExpire() {
	s.expireTimer = s.clock.AfterFunc(s.cfg.ExpireSweep, func() { s.Act(nil, s._expireTick) })
}

func (s *Service) _gaugeTable() {
	s.metrics.SetTableSize(s.table.Len(), s.table.DirectLen())
}

func (s *Service) _drop(from peer.ID, reason string, err error) {
	s.metrics.IncDrop(reason)
	if err != nil {
		debuglog.RateLimitedf("dv-drop:"+reason+":"+from.String(), 10*time.Second, "dv protocol break from=%s reason=%s err=%v", from.Short(), reason, err)
		return
	}
	debuglog.RateLimitedf("dv-drop:"+reason+":"+from.String(), 10*time.Second, "dv drop from=%s reason=%s", from.Short(), reason)
}
