package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfkvdb/lfkv/internal/page"
)

func TestNodeMarshalUnmarshalRoundTrip(t *testing.T) {
	n := &Node{
		Kind:      page.KindLeaf,
		HighKey:   []byte("zzz"),
		RightLink: 42,
		LSN:       7,
		Entries: []Entry{
			{Key: []byte("a"), Versions: []Version{{CommitTS: 10, CreatedBy: 1, Value: []byte("va")}}},
			{Key: []byte("b"), Versions: []Version{
				{CommitTS: 0, CreatedBy: 2, Value: []byte("vb-new")},
				{CommitTS: 5, CreatedBy: 1, Value: []byte("vb-old")},
			}},
			{Key: []byte("c"), Versions: []Version{{CommitTS: 3, Tombstone: true}}},
		},
	}

	buf := n.Marshal()
	require.True(t, page.Verify(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, n.Kind, got.Kind)
	require.Equal(t, n.HighKey, got.HighKey)
	require.Equal(t, n.RightLink, got.RightLink)
	require.Len(t, got.Entries, 3)
	require.Equal(t, "va", string(got.Entries[0].Versions[0].Value))
	require.True(t, got.Entries[2].Versions[0].Tombstone)
}

func TestNodeFindAndChildFor(t *testing.T) {
	n := &Node{
		Kind: page.KindInternal,
		Entries: []Entry{
			{Key: nil, Child: 1},
			{Key: []byte("m"), Child: 2},
			{Key: []byte("t"), Child: 3},
		},
	}

	require.Equal(t, page.ID(1), n.ChildFor([]byte("a")))
	require.Equal(t, page.ID(2), n.ChildFor([]byte("m")))
	require.Equal(t, page.ID(2), n.ChildFor([]byte("q")))
	require.Equal(t, page.ID(3), n.ChildFor([]byte("z")))
}

func TestNodeOverflows(t *testing.T) {
	n := &Node{Kind: page.KindLeaf}
	require.False(t, n.Overflows())

	bigVal := make([]byte, page.UsableSize)
	n.Entries = append(n.Entries, Entry{Key: []byte("k"), Versions: []Version{{Value: bigVal}}})
	require.True(t, n.Overflows())
}
