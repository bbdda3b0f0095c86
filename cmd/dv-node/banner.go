package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"dvnet/internal/daemon"
)

func banner(w io.Writer, home string, cfg daemon.Config, id string) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	label := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintln(w, title("dv-node")+" distance-vector overlay")
	fmt.Fprintf(w, "%s %s\n", label("Node:"), id)
	fmt.Fprintf(w, "%s %s\n", label("Home:"), home)
	fmt.Fprintf(w, "%s fisheye=%d max_table=%d gossip=%s..%s batch=%d expire=%s\n", label("Routing:"),
		cfg.DV.FisheyeDepth, cfg.DV.MaxTableSize, cfg.DV.GossipMinInterval, cfg.DV.GossipMaxInterval, cfg.DV.GossipBatch, cfg.DV.PeerExpiration)
	fmt.Fprintf(w, "%s max_conns_per_ip=%d queue=%d inbound_rate=%.0f/s\n", label("Limits:"),
		cfg.Net.MaxConnsPerIP, cfg.Net.QueueSize, cfg.Net.InboundRate)
	boot := "none"
	if len(cfg.Bootstrap) > 0 {
		boot = strings.Join(cfg.Bootstrap, ",")
	}
	fmt.Fprintf(w, "%s %s\n", label("Bootstrap:"), boot)
	api := cfg.APIAddr
	if api == "" {
		api = color.RedString("disabled")
	}
	fmt.Fprintf(w, "%s %s\n", label("API:"), api)
}
