package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testID(b byte) ID {
	var id ID
	id[0] = b
	id[31] = b
	return id
}

func TestTableMultipleValuesPerKey(t *testing.T) {
	tbl := NewTable[int]()
	a, b := testID(1), testID(2)

	require.True(t, tbl.Put(a, 10))
	require.True(t, tbl.Put(a, 11))
	require.False(t, tbl.Put(a, 10), "duplicate pair must not be stored twice")
	require.True(t, tbl.Put(b, 20))

	require.Equal(t, 3, tbl.Len())
	require.ElementsMatch(t, []int{10, 11}, tbl.GetAll(a))
	require.Equal(t, []int{20}, tbl.GetAll(b))
	require.True(t, tbl.Contains(a, 11))
	require.False(t, tbl.Contains(b, 11))
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable[int]()
	a := testID(1)
	tbl.Put(a, 1)
	tbl.Put(a, 2)
	tbl.Put(a, 3)

	require.True(t, tbl.Remove(a, 2))
	require.False(t, tbl.Remove(a, 2))
	require.ElementsMatch(t, []int{1, 3}, tbl.GetAll(a))

	require.True(t, tbl.Remove(a, 1))
	require.True(t, tbl.Remove(a, 3))
	require.Equal(t, 0, tbl.Len())
	require.Nil(t, tbl.GetAll(a))
}

func TestTableGetAllIsCopy(t *testing.T) {
	tbl := NewTable[int]()
	a := testID(7)
	tbl.Put(a, 1)
	vals := tbl.GetAll(a)
	vals[0] = 99
	require.True(t, tbl.Contains(a, 1))
}

func TestParseID(t *testing.T) {
	id := testID(0xab)
	got, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.Len(t, id.Short(), 8)

	_, err = ParseID("abcd")
	require.Error(t, err)
	_, err = ParseID("not-hex")
	require.Error(t, err)
	require.True(t, ID{}.IsZero())
	require.True(t, Less(testID(1), testID(2)))
}
