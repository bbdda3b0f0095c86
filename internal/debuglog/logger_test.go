package debuglog

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogfWritesWhenDebugOff(t *testing.T) {
	t.Setenv("DV_DEBUG", "")
	SetDebug(false)
	var buf syncBuffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Logf("link up peer=%s", "abcd")
	Debugf("hidden %d", 1)
	require.Contains(t, buf.String(), "link up peer=abcd")
	require.NotContains(t, buf.String(), "hidden")
}

func TestRateLimitedf(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)
	var buf syncBuffer
	SetOutput(&buf)
	defer SetOutput(nil)

	for i := 0; i < 5; i++ {
		RateLimitedf("drop:test", time.Hour, "drop %d", i)
	}
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "drop 0")
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, strings.Count(buf.String(), "drop "))
}
