package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvnet/internal/testutil"
)

func testRunnerConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.APIAddr = "127.0.0.1:0"
	cfg.ConnManTick = 100 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.SnapshotInterval = 50 * time.Millisecond
	cfg.DV.GossipMinInterval = 50 * time.Millisecond
	cfg.DV.GossipMaxInterval = 100 * time.Millisecond
	return cfg
}

type runningNode struct {
	r      *Runner
	addr   string
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startRunner(t *testing.T, root string, cfg Config) *runningNode {
	t.Helper()
	r, err := NewRunner(root, cfg, Options{Ephemeral: root == ""})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	rn := &runningNode{r: r, cancel: cancel, done: make(chan error, 1)}
	go func() { rn.done <- r.Run(ctx, ready) }()
	select {
	case rn.addr = <-ready:
	case err := <-rn.done:
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner not ready")
	}
	t.Cleanup(rn.stop)
	return rn
}

func (rn *runningNode) stop() {
	rn.once.Do(func() {
		rn.cancel()
		select {
		case <-rn.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func TestRunnerRejectsPublicAPI(t *testing.T) {
	t.Setenv("DV_API_ALLOW_PUBLIC", "")
	cfg := testRunnerConfig()
	cfg.APIAddr = "0.0.0.0:0"
	r, err := NewRunner("", cfg, Options{Ephemeral: true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, r.Run(ctx, nil), ErrPublicAPI)
}

func TestRunnerTwoNodesExchange(t *testing.T) {
	homeA := t.TempDir()
	a := startRunner(t, homeA, testRunnerConfig())

	cfgB := testRunnerConfig()
	cfgB.Bootstrap = []string{a.addr}
	b := startRunner(t, "", cfgB)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(a.r.Service.Neighbors()) == 1 && len(b.r.Service.Neighbors()) == 1
	}, "nodes link up")

	url := "http://" + b.r.APIAddr() + "/v1/send?to=" + a.r.Self.ID.String() + "&type=0x8001"
	resp, err := http.Post(url, "application/octet-stream", strings.NewReader("ping"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	testutil.Eventually(t, 5*time.Second, func() bool { return a.r.Inbox.Len() == 1 }, "payload delivered")
	got := a.r.Inbox.Since(0)[0]
	require.Equal(t, b.r.Self.ID, got.Origin)
	require.Equal(t, appMsg(t, "ping"), got.Payload)

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(homeA, "metrics.json"))
		return err == nil
	}, "metrics snapshot written")

	b.stop()
	testutil.Eventually(t, 5*time.Second, func() bool { return len(a.r.Service.Neighbors()) == 0 }, "a sees b leave")
	require.NoError(t, a.r.Service.Check())
}
