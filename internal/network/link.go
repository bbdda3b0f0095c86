package network

import (
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"dvnet/internal/debuglog"
	"dvnet/internal/metrics"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

var errLinkClosed = errors.New("link closed")

type link struct {
	t           *Transport
	peer        peer.ID
	session     string
	remoteAddr  string
	listenAddr  string
	dialAddr    string
	releaseIP   string
	outbound    bool
	conn        *quic.Conn
	stream      *quic.Stream
	queue       *sendQueue
	inbound     *rate.Limiter
	established time.Time
	latency     time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	downOnce  sync.Once
	done      chan struct{}
}

func (l *link) start() {
	l.startOnce.Do(func() {
		go l.readLoop()
		go l.writeLoop()
	})
}

func (l *link) close(code quic.ApplicationErrorCode, reason string) {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.CloseWithError(code, reason)
	})
}

func (l *link) down(err error) {
	l.downOnce.Do(func() { l.t.linkDown(l, err) })
}

func (l *link) readLoop() {
	for {
		msg, err := proto.ReadMessage(l.stream)
		if err != nil {
			l.down(err)
			return
		}
		if l.inbound != nil && !l.inbound.Allow() {
			l.t.metrics.IncDrop(metrics.DropRateLimited)
			debuglog.RateLimitedf("link-rate:"+l.peer.String(), 10*time.Second, "link %s over inbound rate, dropping", l.peer.Short())
			continue
		}
		h, _ := proto.ParseHeader(msg)
		if h.Type == proto.TypeLinkHello {
			l.t.metrics.IncDrop(metrics.DropUnknownType)
			continue
		}
		l.t.getHandler().HandleMessage(l.peer, msg)
	}
}

func (l *link) writeLoop() {
	for {
		it, ok := l.queue.pop(l.done)
		if !ok {
			l.down(errLinkClosed)
			return
		}
		now := time.Now()
		if !it.deadline.IsZero() && now.After(it.deadline) {
			l.t.metrics.IncDrop(metrics.DropDeadline)
			continue
		}
		_ = l.stream.SetWriteDeadline(now.Add(l.t.cfg.WriteTimeout))
		if err := proto.WriteMessage(l.stream, it.msg); err != nil {
			l.down(err)
			return
		}
	}
}

// bookAddr is the address worth redialing this peer at.
func (l *link) bookAddr() string {
	if l.outbound {
		return l.dialAddr
	}
	if l.listenAddr == "" {
		return ""
	}
	// an inbound peer's advertised listen host may be a wildcard; pair its
	// port with the host we actually saw.
	host, port, err := net.SplitHostPort(l.listenAddr)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if seen, _, err := net.SplitHostPort(l.remoteAddr); err == nil {
			host = seen
		}
	}
	return net.JoinHostPort(host, port)
}

func (l *link) info() LinkInfo {
	return LinkInfo{
		Peer:        l.peer,
		Session:     l.session,
		RemoteAddr:  l.remoteAddr,
		ListenAddr:  l.listenAddr,
		Outbound:    l.outbound,
		Established: l.established,
		Latency:     l.latency,
		Queued:      l.queue.len(),
	}
}
