package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	out     atomic.Value // io.Writer
	forced  atomic.Bool
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Enabled reports whether debug output is on (DV_DEBUG=1 or SetDebug).
func Enabled() bool {
	return forced.Load() || os.Getenv("DV_DEBUG") == "1"
}

// SetDebug turns debug output on regardless of DV_DEBUG.
func SetDebug(on bool) {
	forced.Store(on)
}

// SetOutput redirects log lines; nil restores stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	out.Store(writerBox{w})
}

type writerBox struct{ w io.Writer }

func writer() io.Writer {
	if b, ok := out.Load().(writerBox); ok {
		return b.w
	}
	return os.Stderr
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = io.WriteString(writer(), msg)
			}
		}()
	})
}

func format(f string, args ...any) string {
	return time.Now().UTC().Format("15:04:05.000") + " " + fmt.Sprintf(f+"\n", args...)
}

func Logf(f string, args ...any) {
	msg := format(f, args...)
	if !Enabled() {
		_, _ = io.WriteString(writer(), msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// saturated: drop rather than block the actor or link goroutines
	}
}

func Debugf(f string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(f, args...)
}

// RateLimitedf emits at most one debug line per key per interval.
func RateLimitedf(key string, interval time.Duration, f string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(f, args...)
}
