package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"dvnet/internal/debuglog"
	"dvnet/internal/dv"
	"dvnet/internal/metrics"
	"dvnet/internal/network"
	"dvnet/internal/node"
	"dvnet/internal/pprofutil"
)

var ErrPublicAPI = errors.New("client API must listen on loopback (set DV_API_ALLOW_PUBLIC=1 to override)")

// Runner owns one node: its transport, routing service, client API and the
// background writers.
type Runner struct {
	Root      string
	Cfg       Config
	Self      *node.Node
	Metrics   *metrics.Metrics
	Service   *dv.Service
	Transport *network.Transport
	Inbox     *Inbox
	API       *API

	clock    clock.Clock
	snapPath string

	mu      sync.Mutex
	apiAddr string
}

type Options struct {
	Metrics  *metrics.Metrics
	SnapPath string
	Clock    clock.Clock
	// Ephemeral runs without a persisted key or address book.
	Ephemeral bool
	InboxCap  int
}

func NewRunner(root string, cfg Config, opts Options) (*Runner, error) {
	if root == "" && !opts.Ephemeral {
		return nil, fmt.Errorf("missing root")
	}
	if root != "" {
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, err
		}
	}
	self, err := node.NewNode(root, node.Options{Ephemeral: opts.Ephemeral})
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" && root != "" {
		snapPath = filepath.Join(root, "metrics.json")
	}
	netCfg := cfg.Net
	netCfg.ListenAddr = cfg.ListenAddr
	tr, err := network.NewTransport(self, netCfg, m)
	if err != nil {
		return nil, err
	}
	inbox := NewInbox(opts.InboxCap)
	svc := dv.NewService(self.ID, cfg.DV, tr, inbox, dv.Options{Clock: clk, Metrics: m})
	tr.SetHandler(svc)
	return &Runner{
		Root:      root,
		Cfg:       cfg,
		Self:      self,
		Metrics:   m,
		Service:   svc,
		Transport: tr,
		Inbox:     inbox,
		API:       NewAPI(svc, inbox, m, tr.Links),
		clock:     clk,
		snapPath:  snapPath,
	}, nil
}

// Run serves until ctx is done or a component fails. The bound link
// address is sent on ready once the transport is listening.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	var apiLn net.Listener
	if r.Cfg.APIAddr != "" {
		ln, err := r.listenAPI()
		if err != nil {
			return r.finish(err)
		}
		apiLn = ln
	}
	g, gctx := errgroup.WithContext(ctx)
	listenReady := make(chan string, 1)
	g.Go(func() error { return r.Transport.Listen(gctx, listenReady) })

	var addr string
	select {
	case addr = <-listenReady:
	case <-gctx.Done():
		if apiLn != nil {
			_ = apiLn.Close()
		}
		_ = r.Transport.Close()
		return r.finish(g.Wait())
	}

	r.Service.Start()
	g.Go(func() error {
		<-gctx.Done()
		r.Service.Stop()
		return r.Transport.Close()
	})
	if apiLn != nil {
		g.Go(func() error { return r.serveAPI(gctx, apiLn) })
	}
	cm := newConnMan(r.Self.ID, r.Transport, r.Self.Book, r.Cfg, r.clock)
	g.Go(func() error { return cm.run(gctx) })
	g.Go(func() error { return r.snapshotLoop(gctx) })

	debuglog.Logf("node %s ready link=%s api=%s", r.Self.ID.Short(), addr, r.APIAddr())
	if ready != nil {
		select {
		case ready <- addr:
		default:
		}
	}
	return r.finish(g.Wait())
}

// finish writes the final snapshot and address book.
func (r *Runner) finish(err error) error {
	r.writeSnapshot()
	if r.Self.Book != nil {
		if serr := r.Self.Book.Save(); serr != nil {
			debuglog.Logf("addrbook save failed: %v", serr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) APIAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apiAddr
}

func (r *Runner) listenAPI() (net.Listener, error) {
	if !pprofutil.IsLoopbackAddr(r.Cfg.APIAddr) && os.Getenv("DV_API_ALLOW_PUBLIC") != "1" {
		return nil, ErrPublicAPI
	}
	ln, err := net.Listen("tcp", r.Cfg.APIAddr)
	if err != nil {
		return nil, fmt.Errorf("api listen %s: %w", r.Cfg.APIAddr, err)
	}
	r.mu.Lock()
	r.apiAddr = ln.Addr().String()
	r.mu.Unlock()
	return ln, nil
}

func (r *Runner) serveAPI(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

func (r *Runner) snapshotLoop(ctx context.Context) error {
	interval := r.Cfg.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.writeSnapshot()
		}
	}
}

func (r *Runner) writeSnapshot() {
	if r.snapPath == "" {
		return
	}
	if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
		debuglog.RateLimitedf("snapshot", time.Minute, "metrics snapshot failed: %v", err)
	}
}
