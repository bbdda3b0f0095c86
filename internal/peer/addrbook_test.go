package peer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddrBookRecordAndList(t *testing.T) {
	book, err := NewAddrBook("", 4, time.Hour)
	require.NoError(t, err)
	now := time.Now()
	book.Record(testID(1), "10.0.0.1:4000", now.Add(-time.Minute))
	book.Record(testID(2), "10.0.0.2:4000", now)
	book.Record(ID{}, "10.0.0.3:4000", now)
	book.Record(testID(3), "", now)

	require.Equal(t, 2, book.Len())
	addr, ok := book.Addr(testID(1))
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:4000", addr)

	list := book.List()
	require.Len(t, list, 2)
	require.Equal(t, testID(2), list[0].ID, "most recent first")

	book.Forget(testID(1))
	_, ok = book.Addr(testID(1))
	require.False(t, ok)
}

func TestAddrBookCapacity(t *testing.T) {
	book, err := NewAddrBook("", 2, time.Hour)
	require.NoError(t, err)
	now := time.Now()
	book.Record(testID(1), "a:1", now)
	book.Record(testID(2), "b:1", now)
	book.Record(testID(3), "c:1", now)
	require.Equal(t, 2, book.Len())
	_, ok := book.Addr(testID(1))
	require.False(t, ok, "oldest entry should be evicted")
}

func TestAddrBookPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addrbook.jsonl")
	book, err := NewAddrBook(path, 8, time.Hour)
	require.NoError(t, err)
	now := time.Now()
	book.Record(testID(1), "10.0.0.1:4000", now)
	book.Record(testID(2), "10.0.0.2:4000", now.Add(-2*time.Hour))
	require.NoError(t, book.Save())

	reloaded, err := NewAddrBook(path, 8, time.Hour)
	require.NoError(t, err)
	addr, ok := reloaded.Addr(testID(1))
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:4000", addr)
	_, ok = reloaded.Addr(testID(2))
	require.False(t, ok, "entries older than the ttl are not reloaded")
}
