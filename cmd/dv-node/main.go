package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dvnet/internal/daemon"
	"dvnet/internal/debuglog"
	"dvnet/internal/metrics"
	"dvnet/internal/node"
	"dvnet/internal/pprofutil"
	"dvnet/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "neighbors":
		return runNeighbors(args[1:], stdout, stderr)
	case "routes":
		return runRoutes(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "inbox":
		return runInbox(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: dv-node <run|id|status|neighbors|routes|send|inbox> [args]")
	fmt.Fprintln(w, "  run        [--home dir] [--listen ip:port] [--api ip:port] [--bootstrap a,b] [--fisheye n] [--max-table n] [--debug]")
	fmt.Fprintln(w, "  id         [--home dir]")
	fmt.Fprintln(w, "  status     [--home dir]")
	fmt.Fprintln(w, "  neighbors  [--api ip:port]")
	fmt.Fprintln(w, "  routes     [--api ip:port]")
	fmt.Fprintln(w, "  send       --to <peer id> [--type 0x8000] [--api ip:port] <text>")
	fmt.Fprintln(w, "  inbox      [--after seq] [--api ip:port]")
}

func homeDir() string {
	if v := strings.TrimSpace(os.Getenv("DV_HOME")); v != "" {
		return v
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".dvnet")
}

func defaultAPIAddr() string {
	if v := strings.TrimSpace(os.Getenv("DV_API_ADDR")); v != "" {
		return v
	}
	return daemon.DefaultConfig().APIAddr
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "node state directory")
	listen := fs.String("listen", cfg.ListenAddr, "link listen addr (host:port)")
	api := fs.String("api", cfg.APIAddr, "client API addr (host:port, empty disables)")
	bootstrap := fs.String("bootstrap", strings.Join(cfg.Bootstrap, ","), "comma-separated bootstrap addrs")
	fisheye := fs.Uint("fisheye", uint(cfg.DV.FisheyeDepth), "largest route cost accepted from gossip")
	maxTable := fs.Int("max-table", cfg.DV.MaxTableSize, "routing table capacity")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		debuglog.SetDebug(true)
	}
	if *maxTable <= 0 {
		fmt.Fprintln(stderr, "--max-table must be positive")
		return 1
	}
	cfg.ListenAddr = *listen
	cfg.APIAddr = *api
	cfg.DV.FisheyeDepth = uint32(*fisheye)
	cfg.DV.MaxTableSize = *maxTable
	cfg.Bootstrap = nil
	if strings.TrimSpace(*bootstrap) != "" {
		for _, addr := range strings.Split(*bootstrap, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Bootstrap = append(cfg.Bootstrap, addr)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := pprofutil.StartFromEnv(ctx, stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(*home, cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, ready) }()
	select {
	case addr := <-ready:
		banner(stdout, *home, cfg, runner.Self.ID.String())
		fmt.Fprintf(stdout, "READY addr=%s api=%s node_id=%s\n", addr, runner.APIAddr(), runner.Self.ID)
	case err := <-done:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-done; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "node state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	self, err := node.NewNode(*home, node.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "id: node unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, self.ID)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "node state directory")
	recentN := fs.Int("n", 10, "recent route events to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, ok := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	if !ok {
		fmt.Fprintln(stdout, "status: no local snapshot (is the node running?)")
		return 0
	}
	fmt.Fprintf(stdout, "Local routing summary (as of %s):\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  table: size=%d direct=%d evicted=%d expired=%d cascade=%d withdrawn=%d\n",
		snap.Table.Size, snap.Table.DirectNeighbors, snap.Table.Evicted, snap.Table.Expired, snap.Table.CascadeRemoved, snap.Table.Withdrawn)
	fmt.Fprintf(stdout, "  relay: delivered=%d forwarded=%d refused=%d loops=%d client_sent=%d\n",
		snap.Relay.Delivered, snap.Relay.Forwarded, snap.Relay.ForwardRefused, snap.Relay.LoopDetected, snap.Relay.ClientSent)
	fmt.Fprintf(stdout, "  gossip: sent=%d (%d adverts) received=%d (%d adverts) disconnect sent=%d received=%d\n",
		snap.Gossip.Sent, snap.Gossip.AdvertsSent, snap.Gossip.Received, snap.Gossip.AdvertsReceived, snap.Gossip.DisconnectSent, snap.Gossip.DisconnectReceived)
	fmt.Fprintf(stdout, "  links: current=%d connected=%d disconnected=%d\n", snap.Link.Current, snap.Link.Connected, snap.Link.Disconnected)
	if len(snap.DropByReason) > 0 {
		parts := make([]string, 0, len(snap.DropByReason))
		for _, k := range metrics.SortedKeys(snap.DropByReason) {
			parts = append(parts, fmt.Sprintf("%s=%d", k, snap.DropByReason[k]))
		}
		fmt.Fprintf(stdout, "  dropped: %s\n", strings.Join(parts, " "))
	}
	recent := snap.Recent
	if *recentN >= 0 && len(recent) > *recentN {
		recent = recent[len(recent)-*recentN:]
	}
	for _, ev := range recent {
		line := fmt.Sprintf("  %s %-9s %s cost=%d", ev.At.Format(time.TimeOnly), ev.Event, shortHex(ev.Peer), ev.Cost)
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func runNeighbors(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("neighbors", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", defaultAPIAddr(), "client API addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var out struct {
		Self      string                `json:"self"`
		Neighbors []daemon.NeighborView `json:"neighbors"`
	}
	if err := apiGet(*api, "/v1/neighbors", &out); err != nil {
		fmt.Fprintf(stderr, "neighbors: %v\n", err)
		return 1
	}
	for _, n := range out.Neighbors {
		fmt.Fprintf(stdout, "%s id=%d latency=%.1fms referred=%d hidden=%v\n", n.ID, n.OurID, n.LatencyMS, n.Referred, n.Hidden)
	}
	return 0
}

func runRoutes(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("routes", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", defaultAPIAddr(), "client API addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var out struct {
		Routes []daemon.RouteView `json:"routes"`
	}
	if err := apiGet(*api, "/v1/routes", &out); err != nil {
		fmt.Fprintf(stderr, "routes: %v\n", err)
		return 1
	}
	for _, r := range out.Routes {
		fmt.Fprintf(stdout, "%s cost=%d via=%s id=%d\n", r.Peer, r.Cost, shortHex(r.Referrer), r.OurID)
	}
	return 0
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", defaultAPIAddr(), "client API addr")
	to := fs.String("to", "", "destination peer id (hex)")
	typ := fs.String("type", fmt.Sprintf("%#04x", proto.TypeFirstApp), "application message type")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" {
		fmt.Fprintln(stderr, "missing --to")
		return 1
	}
	q := url.Values{"to": {*to}, "type": {*typ}}
	body := strings.Join(fs.Args(), " ")
	resp, err := apiClient.Post("http://"+*api+"/v1/send?"+q.Encode(), "application/octet-stream", strings.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(stderr, "send: %s\n", apiError(resp))
		return 1
	}
	var res daemon.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "sent %d bytes to %s\n", res.Bytes, shortHex(res.To))
	return 0
}

func runInbox(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", defaultAPIAddr(), "client API addr")
	after := fs.Uint64("after", 0, "only messages with a larger sequence number")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var out struct {
		Messages []daemon.DeliveredView `json:"messages"`
		Dropped  uint64                 `json:"dropped"`
	}
	if err := apiGet(*api, fmt.Sprintf("/v1/inbox?after=%d", *after), &out); err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	for _, m := range out.Messages {
		body, err := proto.MessageBody(m.Payload)
		if err != nil {
			body = m.Payload
		}
		fmt.Fprintf(stdout, "#%d from=%s cost=%d type=%s %q\n", m.Seq, shortHex(m.Origin), m.Cost, proto.TypeName(m.Type), body)
	}
	if out.Dropped > 0 {
		fmt.Fprintf(stdout, "(%d older messages overwritten)\n", out.Dropped)
	}
	return 0
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

func apiGet(addr, path string, out any) error {
	resp, err := apiClient.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(apiError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Error != "" {
		return fmt.Sprintf("%s (%d)", e.Error, resp.StatusCode)
	}
	return resp.Status
}

func readMetricsSnapshot(path string) (metrics.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}

func shortHex(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
