package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvnet/internal/metrics"
	"dvnet/internal/node"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
	"dvnet/internal/testutil"
)

type recorder struct {
	mu           sync.Mutex
	connected    []peer.ID
	disconnected []peer.ID
	msgs         map[peer.ID][][]byte
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[peer.ID][][]byte)}
}

func (r *recorder) PeerConnected(id peer.ID, _ time.Duration, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, id)
}

func (r *recorder) PeerDisconnected(id peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, id)
}

func (r *recorder) HandleMessage(from peer.ID, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[from] = append(r.msgs[from], msg)
}

func (r *recorder) counts(from peer.ID) (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected), len(r.msgs[from])
}

type testEnd struct {
	node *node.Node
	tr   *Transport
	rec  *recorder
	addr string
	m    *metrics.Metrics
}

func startEnd(t *testing.T, mutate func(*Config)) *testEnd {
	t.Helper()
	n, err := node.NewNode("", node.Options{Ephemeral: true})
	require.NoError(t, err)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	tr, err := NewTransport(n, cfg, m)
	require.NoError(t, err)
	rec := newRecorder()
	tr.SetHandler(rec)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- tr.Listen(ctx, ready) }()
	var addr string
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("listen: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener not ready")
	}
	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
	})
	return &testEnd{node: n, tr: tr, rec: rec, addr: addr, m: m}
}

func appMsg(t *testing.T, body string) []byte {
	t.Helper()
	msg, err := proto.NewAppMessage(proto.TypeFirstApp, []byte(body))
	require.NoError(t, err)
	return msg
}

func TestLinkUpExchangeAndDown(t *testing.T) {
	a := startEnd(t, nil)
	b := startEnd(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := a.tr.Dial(ctx, b.addr)
	require.NoError(t, err)
	require.Equal(t, b.node.ID, id)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return b.tr.Connected(a.node.ID)
	}, "b sees link from a")
	require.True(t, a.tr.Connected(b.node.ID))

	require.True(t, a.tr.Send(b.node.ID, 1, appMsg(t, "one"), time.Second))
	require.True(t, b.tr.Send(a.node.ID, 1, appMsg(t, "two"), time.Second))
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, _, n := b.rec.counts(a.node.ID)
		return n == 1
	}, "b receives")
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, _, n := a.rec.counts(b.node.ID)
		return n == 1
	}, "a receives")

	links := a.tr.Links()
	require.Len(t, links, 1)
	require.True(t, links[0].Outbound)
	require.NotEmpty(t, links[0].Session)
	addr, ok := a.node.Book.Addr(b.node.ID)
	require.True(t, ok)
	require.Equal(t, b.addr, addr)

	a.tr.Disconnect(b.node.ID)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, down, _ := b.rec.counts(a.node.ID)
		return down == 1
	}, "b sees link down")
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, down, _ := a.rec.counts(b.node.ID)
		return down == 1
	}, "a sees link down")
	require.False(t, a.tr.Send(b.node.ID, 1, appMsg(t, "gone"), time.Second))
	require.EqualValues(t, 1, a.m.Snapshot().Link.Disconnected)
}

func TestDuplicateDialKeepsOneLink(t *testing.T) {
	a := startEnd(t, nil)
	b := startEnd(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.tr.Dial(ctx, b.addr)
	require.NoError(t, err)
	_, err = a.tr.Dial(ctx, b.addr)
	require.NoError(t, err)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return b.tr.Connected(a.node.ID)
	}, "b linked")
	time.Sleep(100 * time.Millisecond)
	up, _, _ := a.rec.counts(b.node.ID)
	require.Equal(t, 1, up)
	require.Len(t, a.tr.Links(), 1)
	require.True(t, a.tr.Send(b.node.ID, 1, appMsg(t, "still up"), time.Second))
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, _, n := b.rec.counts(a.node.ID)
		return n == 1
	}, "message over surviving link")
}

func TestSendWithoutLinkFails(t *testing.T) {
	a := startEnd(t, nil)
	require.False(t, a.tr.Send(testutil.PeerID(9), 1, appMsg(t, "x"), 0))
}

func TestDialRequiresHandler(t *testing.T) {
	n, err := node.NewNode("", node.Options{Ephemeral: true})
	require.NoError(t, err)
	tr, err := NewTransport(n, DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = tr.Dial(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, ErrNoHandler)
}
