package sessionstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromium-storage-go/leveldb/common"
)

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, c := range []byte(s) {
		out = append(out, c, 0)
	}
	return out
}

func rec(key string, value []byte, seq uint64, state common.KeyState) common.RawRecord {
	return common.RawRecord{
		Key:     []byte(key),
		UserKey: []byte(key),
		Value:   value,
		Seq:     seq,
		State:   state,
	}
}

func TestStoreJoinsNamespacesAndMaps(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-0e4c0a6db2f63e1a9f7a8c5d3b2e1f00-https://example.com/", []byte("5"), 1, common.KeyStateLive),
		rec("map-5-cart", utf16le(`{"items":2}`), 2, common.KeyStateLive),
		rec("map-5-theme", utf16le("dark"), 3, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/"}, store.Hosts())
	assert.True(t, store.Contains("https://example.com/"))
	assert.False(t, store.Contains("https://other.example/"))

	values := store.Get("https://example.com/", "cart")
	require.Len(t, values, 1)
	assert.Equal(t, `{"items":2}`, values[0].Value)
	assert.Equal(t, "0e4c0a6db2f63e1a9f7a8c5d3b2e1f00", values[0].GUID)
	assert.Equal(t, uint64(2), values[0].Sequence)

	all := store.AllForHost("https://example.com/")
	assert.Len(t, all, 2)
	assert.Nil(t, store.AllForHost("https://other.example/"))
}

func TestStoreKeepsRecoveredRevisions(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-abc123-https://example.com/", []byte("1"), 1, common.KeyStateLive),
		rec("map-1-counter", utf16le("1"), 2, common.KeyStateLive),
		rec("map-1-counter", utf16le("2"), 5, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)

	values := store.Get("https://example.com/", "counter")
	require.Len(t, values, 2, "older revisions recovered from the store stay visible")
}

func TestStoreHostsAreLowercased(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-abc123-HTTPS://Example.COM/", []byte("1"), 1, common.KeyStateLive),
		rec("map-1-k", utf16le("v"), 2, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, store.Hosts())
}

func TestStoreOrphans(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("map-9-lost", utf16le("value"), 1, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)
	assert.Empty(t, store.Hosts())

	orphans := store.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "lost", orphans[0].Key)
	assert.Equal(t, "value", orphans[0].Value.Value)
}

func TestStoreDeletedRecordsSkipped(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-abc123-https://example.com/", []byte("1"), 1, common.KeyStateLive),
		rec("map-1-gone", nil, 2, common.KeyStateDeleted),
		rec("map-1-kept", utf16le("v"), 3, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)

	assert.Nil(t, store.Get("https://example.com/", "gone"))
	require.Len(t, store.Get("https://example.com/", "kept"), 1)
}

func TestStoreMapIDCollision(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-abc123-https://a.example/", []byte("1"), 1, common.KeyStateLive),
		rec("namespace-def456-https://b.example/", []byte("1"), 2, common.KeyStateLive),
	}

	_, err := newStore(records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map id")
}

func TestStoreSameMapSharedByGUIDs(t *testing.T) {
	t.Parallel()

	// Two tabs of the same site share one map; that is not a collision.
	records := []common.RawRecord{
		rec("namespace-abc123-https://example.com/", []byte("1"), 1, common.KeyStateLive),
		rec("namespace-def456-https://example.com/", []byte("1"), 2, common.KeyStateLive),
		rec("map-1-k", utf16le("v"), 3, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)
	values := store.Get("https://example.com/", "k")
	require.Len(t, values, 1)
	assert.Equal(t, "abc123", values[0].GUID, "the first tab to claim the map is recorded")
}

func TestStoreMalformedKeysIgnored(t *testing.T) {
	t.Parallel()

	records := []common.RawRecord{
		rec("namespace-", []byte("1"), 1, common.KeyStateLive),
		rec("map-noseparator", utf16le("v"), 2, common.KeyStateLive),
		rec("unrelated-key", []byte("x"), 3, common.KeyStateLive),
	}

	store, err := newStore(records)
	require.NoError(t, err)
	assert.Empty(t, store.Hosts())
	assert.Empty(t, store.Orphans())
}
