package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfkvdb/lfkv/internal/page"
)

func TestFreeListPushPopSafeTSGating(t *testing.T) {
	store := map[page.ID][]byte{}
	var nextID page.ID = 1

	fl := &FreeList{
		Get: func(id page.ID) ([]byte, error) { return store[id], nil },
		New: func(buf []byte) (page.ID, error) {
			id := nextID
			nextID++
			store[id] = buf
			return id, nil
		},
		Use: func(id page.ID, buf []byte) error {
			store[id] = buf
			return nil
		},
	}

	require.NoError(t, fl.Add([]FreeListItem{
		{PageID: 100, SafeTS: 5},
		{PageID: 101, SafeTS: 10},
	}))
	require.Equal(t, 2, fl.Total)

	fl.MinSafeSnapshot = 3
	id, err := fl.Pop()
	require.NoError(t, err)
	require.Equal(t, page.ID(0), id, "nothing reclaimable below the oldest live snapshot")

	fl.MinSafeSnapshot = 10
	id, err = fl.Pop()
	require.NoError(t, err)
	require.Equal(t, page.ID(100), id)
	require.Equal(t, 1, fl.Total)

	id, err = fl.Pop()
	require.NoError(t, err)
	require.Equal(t, page.ID(101), id)
	require.Equal(t, 0, fl.Total)
}

func TestFreeListSpansMultiplePages(t *testing.T) {
	store := map[page.ID][]byte{}
	var nextID page.ID = 1
	fl := &FreeList{
		Get: func(id page.ID) ([]byte, error) { return store[id], nil },
		New: func(buf []byte) (page.ID, error) {
			id := nextID
			nextID++
			store[id] = buf
			return id, nil
		},
	}

	items := make([]FreeListItem, flCapacity+10)
	for i := range items {
		items[i] = FreeListItem{PageID: page.ID(1000 + i), SafeTS: 1}
	}
	require.NoError(t, fl.Add(items))
	require.Equal(t, len(items), fl.Total)

	fl.MinSafeSnapshot = 1
	popped := 0
	for {
		id, err := fl.Pop()
		require.NoError(t, err)
		if id == 0 {
			break
		}
		popped++
	}
	require.Equal(t, len(items), popped)
}
