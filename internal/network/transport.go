package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"dvnet/internal/debuglog"
	"dvnet/internal/metrics"
	"dvnet/internal/node"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

const (
	defaultQueueSize    = 256
	defaultHelloTimeout = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

const (
	codeNormal quic.ApplicationErrorCode = iota
	codeRefused
	codeDuplicate
	codeProtocol
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrNoHandler = errors.New("transport has no handler")
)

// Handler receives link events. Calls for one peer arrive in order; calls
// must not block for long.
type Handler interface {
	PeerConnected(id peer.ID, latency time.Duration, distance uint32)
	PeerDisconnected(id peer.ID)
	HandleMessage(from peer.ID, msg []byte)
}

type Config struct {
	ListenAddr    string
	MaxConnsPerIP int
	QueueSize     int
	// InboundRate limits messages per second read from one link; 0 means
	// unlimited.
	InboundRate  float64
	InboundBurst int
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	KeepAlive    time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:0",
		MaxConnsPerIP: 8,
		QueueSize:     defaultQueueSize,
		InboundRate:   500,
		InboundBurst:  1000,
		HelloTimeout:  defaultHelloTimeout,
		WriteTimeout:  defaultWriteTimeout,
		KeepAlive:     10 * time.Second,
		IdleTimeout:   30 * time.Second,
	}
}

// LinkInfo describes an open link.
type LinkInfo struct {
	Peer        peer.ID
	Session     string
	RemoteAddr  string
	ListenAddr  string
	Outbound    bool
	Established time.Time
	Latency     time.Duration
	Queued      int
}

// Transport keeps one QUIC connection with a single bidirectional stream
// per neighbor. It is the Core the routing service sends through.
type Transport struct {
	node      *node.Node
	cfg       Config
	metrics   *metrics.Metrics
	limiter   *ipLimiter
	tlsServer *tls.Config
	tlsClient *tls.Config

	mu       sync.Mutex
	handler  Handler
	links    map[peer.ID]*link
	listener *quic.Listener
	addr     string
	closed   bool
}

func NewTransport(n *node.Node, cfg Config, m *metrics.Metrics) (*Transport, error) {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	srv, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	cli, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	return &Transport{
		node:      n,
		cfg:       cfg,
		metrics:   m,
		limiter:   newIPLimiter(cfg.MaxConnsPerIP),
		tlsServer: srv,
		tlsClient: cli,
		links:     make(map[peer.ID]*link),
	}, nil
}

// SetHandler must be called before Listen or Dial.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) getHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.HelloTimeout,
		MaxIdleTimeout:       t.cfg.IdleTimeout,
		KeepAlivePeriod:      t.cfg.KeepAlive,
	}
}

// Addr is the bound listen address, or "" before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Listen accepts links until ctx is done. The bound address is sent on
// ready once the listener is up.
func (t *Transport) Listen(ctx context.Context, ready chan<- string) error {
	if t.getHandler() == nil {
		return ErrNoHandler
	}
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, t.tlsServer, t.quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	t.listener = ln
	t.addr = ln.Addr().String()
	t.mu.Unlock()
	debuglog.Logf("quic listen ready: %s", ln.Addr())
	if ready != nil {
		select {
		case ready <- ln.Addr().String():
		default:
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go t.accept(ctx, conn)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) accept(ctx context.Context, conn *quic.Conn) {
	ip := hostOf(conn.RemoteAddr())
	if !t.limiter.acquire(ip) {
		debuglog.RateLimitedf("conn-cap:"+ip, 10*time.Second, "link refused: too many links from %s", ip)
		_ = conn.CloseWithError(codeRefused, "too many links")
		return
	}
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HelloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		t.limiter.release(ip)
		_ = conn.CloseWithError(codeProtocol, "no stream")
		return
	}
	_ = stream.SetDeadline(time.Now().Add(t.cfg.HelloTimeout))
	remote, err := t.readHello(stream)
	if err == nil {
		err = t.writeHello(stream)
	}
	if err != nil {
		debuglog.Debugf("inbound hello from %s failed: %v", conn.RemoteAddr(), err)
		t.limiter.release(ip)
		_ = conn.CloseWithError(codeProtocol, "hello failed")
		return
	}
	_ = stream.SetDeadline(time.Time{})
	l := t.newLink(conn, stream, remote, false, time.Since(start))
	l.releaseIP = ip
	t.attach(l)
}

// Dial opens a link to addr and returns the verified identity on the far
// side. Dialing a peer that is already linked keeps the existing link.
func (t *Transport) Dial(ctx context.Context, addr string) (peer.ID, error) {
	if t.getHandler() == nil {
		return peer.ID{}, ErrNoHandler
	}
	if t.isClosed() {
		return peer.ID{}, ErrClosed
	}
	conn, err := quic.DialAddr(ctx, addr, t.tlsClient, t.quicConfig())
	if err != nil {
		return peer.ID{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	start := time.Now()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeProtocol, "open stream")
		return peer.ID{}, fmt.Errorf("open stream %s: %w", addr, err)
	}
	_ = stream.SetDeadline(time.Now().Add(t.cfg.HelloTimeout))
	err = t.writeHello(stream)
	var remote node.Remote
	if err == nil {
		remote, err = t.readHello(stream)
	}
	if err != nil {
		_ = conn.CloseWithError(codeProtocol, "hello failed")
		return peer.ID{}, fmt.Errorf("hello %s: %w", addr, err)
	}
	_ = stream.SetDeadline(time.Time{})
	l := t.newLink(conn, stream, remote, true, time.Since(start))
	l.dialAddr = addr
	t.attach(l)
	return remote.ID, nil
}

func (t *Transport) writeHello(w *quic.Stream) error {
	hello, err := t.node.Hello(t.Addr())
	if err != nil {
		return err
	}
	raw, err := proto.EncodeLinkHello(hello)
	if err != nil {
		return err
	}
	return proto.WriteMessage(w, raw)
}

func (t *Transport) readHello(r *quic.Stream) (node.Remote, error) {
	raw, err := proto.ReadMessage(r)
	if err != nil {
		return node.Remote{}, err
	}
	m, err := proto.DecodeLinkHello(raw)
	if err != nil {
		return node.Remote{}, err
	}
	return t.node.AcceptHello(m)
}

func (t *Transport) newLink(conn *quic.Conn, stream *quic.Stream, remote node.Remote, outbound bool, latency time.Duration) *link {
	return &link{
		t:           t,
		peer:        remote.ID,
		session:     uuid.NewString(),
		remoteAddr:  conn.RemoteAddr().String(),
		listenAddr:  remote.ListenAddr,
		outbound:    outbound,
		conn:        conn,
		stream:      stream,
		queue:       newSendQueue(t.cfg.QueueSize),
		inbound:     newInboundLimiter(t.cfg.InboundRate, t.cfg.InboundBurst),
		established: time.Now(),
		latency:     latency,
		done:        make(chan struct{}),
	}
}

// dialer is the identity that opened l.
func (t *Transport) dialer(l *link) peer.ID {
	if l.outbound {
		return t.node.ID
	}
	return l.peer
}

// attach registers l. When two links to the same peer race, both ends keep
// the one opened by the smaller identity so they agree without talking.
func (t *Transport) attach(l *link) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.discard(l, codeNormal, "transport closed")
		return
	}
	old, dup := t.links[l.peer]
	if dup && !peer.Less(t.dialer(l), t.dialer(old)) {
		t.mu.Unlock()
		debuglog.Debugf("link %s duplicate, keeping session %s", l.peer.Short(), old.session)
		t.discard(l, codeDuplicate, "duplicate link")
		return
	}
	t.links[l.peer] = l
	count := len(t.links)
	h := t.handler
	t.mu.Unlock()

	if dup {
		debuglog.Debugf("link %s replaced session %s with %s", l.peer.Short(), old.session, l.session)
		old.close(codeDuplicate, "superseded")
		l.start()
		return
	}
	t.metrics.IncLinkConnected()
	t.metrics.SetLinks(count)
	if t.node.Book != nil {
		if addr := l.bookAddr(); addr != "" {
			t.node.Book.Record(l.peer, addr, time.Now())
		}
	}
	debuglog.Logf("link up peer=%s session=%s remote=%s outbound=%v", l.peer.Short(), l.session, l.remoteAddr, l.outbound)
	// the handler hears about the peer before any of its messages
	h.PeerConnected(l.peer, l.latency, 1)
	l.start()
}

// discard closes a link that was never started.
func (t *Transport) discard(l *link, code quic.ApplicationErrorCode, reason string) {
	l.close(code, reason)
	if l.releaseIP != "" {
		t.limiter.release(l.releaseIP)
	}
}

// linkDown runs once per link when its stream fails or it is closed.
func (t *Transport) linkDown(l *link, cause error) {
	l.close(codeNormal, "")
	if l.releaseIP != "" {
		t.limiter.release(l.releaseIP)
	}
	t.mu.Lock()
	current := t.links[l.peer] == l
	if current {
		delete(t.links, l.peer)
	}
	count := len(t.links)
	h := t.handler
	t.mu.Unlock()
	if !current {
		return
	}
	t.metrics.IncLinkDisconnected()
	t.metrics.SetLinks(count)
	debuglog.Logf("link down peer=%s session=%s err=%v", l.peer.Short(), l.session, cause)
	h.PeerDisconnected(l.peer)
}

// Send queues msg for dest. It never blocks; false means there is no link
// to dest or its queue is full. A message still queued after maxDelay is
// dropped.
func (t *Transport) Send(dest peer.ID, priority uint8, msg []byte, maxDelay time.Duration) bool {
	t.mu.Lock()
	l, ok := t.links[dest]
	t.mu.Unlock()
	if !ok {
		return false
	}
	var deadline time.Time
	if maxDelay > 0 {
		deadline = time.Now().Add(maxDelay)
	}
	if !l.queue.push(priority, msg, deadline) {
		t.metrics.IncDrop(metrics.DropQueueFull)
		return false
	}
	return true
}

func (t *Transport) Connected(id peer.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[id]
	return ok
}

// Disconnect closes the link to id, if any.
func (t *Transport) Disconnect(id peer.ID) {
	t.mu.Lock()
	l, ok := t.links[id]
	t.mu.Unlock()
	if ok {
		l.close(codeNormal, "disconnect")
	}
}

func (t *Transport) Links() []LinkInfo {
	t.mu.Lock()
	out := make([]LinkInfo, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l.info())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return peer.Less(out[i].Peer, out[j].Peer) })
	return out
}

// Close stops listening and tears down every link.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		l.close(codeNormal, "shutdown")
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}
