package network

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter caps concurrent inbound links per remote IP.
type ipLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{maxConns: maxConns, counts: make(map[string]int)}
}

func (l *ipLimiter) acquire(ip string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.maxConns {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// newInboundLimiter returns the per-link message rate limiter, or nil when
// inbound traffic is unlimited.
func newInboundLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
