package pprofutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

// IsLoopbackAddr reports whether addr binds only to a loopback interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Mux returns a handler serving the runtime profiles under /debug/pprof/.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartFromEnv serves pprof when DV_PPROF=1 until ctx is done. The listen
// address comes from DV_PPROF_ADDR and must be loopback unless
// DV_PPROF_ALLOW_PUBLIC=1. It returns the bound address, or "" when
// profiling is off.
func StartFromEnv(ctx context.Context, logw io.Writer) (string, error) {
	if strings.TrimSpace(os.Getenv("DV_PPROF")) != "1" {
		return "", nil
	}
	addr := strings.TrimSpace(os.Getenv("DV_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(os.Getenv("DV_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !IsLoopbackAddr(addr) {
		return "", fmt.Errorf("DV_PPROF_ADDR must be loopback unless DV_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Handler:           Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	return actual, nil
}
