package chromium

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromium-storage-go/leveldb/common"
)

// v8String is a complete serialized value stream holding one string.
func v8String(s string) []byte {
	out := []byte{0xff, 0x0f, 'S', byte(len(s))}
	return append(out, s...)
}

// wrapValue builds a record value: backing store version varint, envelope
// version tag, then the serialized payload.
func wrapValue(payload []byte) []byte {
	out := []byte{0x01, 0xff, 0x0f}
	return append(out, payload...)
}

func dataRecordKey(t *testing.T, dbID, storeID uint64, idbKey []byte) []byte {
	t.Helper()
	return mustPrefix(t, dbID, storeID, ObjectStoreDataIndexID, idbKey...)
}

func stringIdbKey(s string) []byte {
	out := []byte{byte(IdbKeyString), byte(len(s))}
	return append(out, utf16be(s)...)
}

func TestIterateStorePlainValue(t *testing.T) {
	t.Parallel()

	key := dataRecordKey(t, 1, 1, stringIdbKey("a"))
	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(key, wrapValue(v8String("hi")), 42),
	}, "")
	require.NoError(t, err)

	it, err := db.IterateStore(1, 1, IterateOptions{})
	require.NoError(t, err)

	rec, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.DatabaseID)
	assert.Equal(t, uint64(1), rec.ObjectStoreID)
	assert.Equal(t, "a", rec.Key.Text)
	assert.Equal(t, "hi", rec.Value)
	assert.True(t, rec.IsLive)
	assert.Equal(t, uint64(42), rec.Sequence)
	assert.Equal(t, uint64(15), rec.BlinkVersion)
	assert.Nil(t, rec.Trailer)
	assert.Empty(t, rec.ExternalValuePath)

	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
	_, err = it.Next()
	assert.Equal(t, io.EOF, err, "iterator stays exhausted")

	assert.Equal(t, 1, it.Attempted())
	assert.Equal(t, 1, it.Materialized())
	assert.Equal(t, 0, it.Skipped())
}

func TestIterateStoreFiltersOtherStores(t *testing.T) {
	t.Parallel()

	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, stringIdbKey("mine")), wrapValue(v8String("x")), 1),
		liveRec(dataRecordKey(t, 1, 2, stringIdbKey("other")), wrapValue(v8String("y")), 2),
		liveRec(dataRecordKey(t, 2, 1, stringIdbKey("elsewhere")), wrapValue(v8String("z")), 3),
	}, "")
	require.NoError(t, err)

	records, it, err := db.CollectStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "mine", records[0].Key.Text)
	assert.Equal(t, 1, it.Attempted())
}

func TestIterateStoreEmptyValue(t *testing.T) {
	t.Parallel()

	// A record whose payload is gone still yields its key.
	db, err := NewIndexedDB([]common.RawRecord{
		deletedRec(dataRecordKey(t, 1, 1, stringIdbKey("gone")), 5),
	}, "")
	require.NoError(t, err)

	records, _, err := db.CollectStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gone", records[0].Key.Text)
	assert.Nil(t, records[0].Value)
	assert.False(t, records[0].IsLive)
}

func TestIterateStoreLiveOnly(t *testing.T) {
	t.Parallel()

	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, stringIdbKey("a")), wrapValue(v8String("x")), 1),
		deletedRec(dataRecordKey(t, 1, 1, stringIdbKey("b")), 2),
	}, "")
	require.NoError(t, err)

	records, it, err := db.CollectStore(1, 1, IterateOptions{LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Key.Text)
	assert.Equal(t, 1, it.Attempted(), "tombstones are filtered before the attempt counter")
}

func TestSnappyCompressedEnvelope(t *testing.T) {
	t.Parallel()

	inner := append([]byte{0xff, 0x0f}, v8String("compressed")...)
	value := []byte{0x01, 0xff, RequiresProcessingSSVPseudoVersion, CompressedWithSnappyMarker}
	value = append(value, snappy.Encode(nil, inner)...)

	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, stringIdbKey("k")), value, 1),
	}, "")
	require.NoError(t, err)

	records, _, err := db.CollectStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "compressed", records[0].Value)
	assert.Equal(t, uint64(15), records[0].BlinkVersion, "version comes from the inner envelope")
}

func TestExternalBlobEnvelope(t *testing.T) {
	t.Parallel()

	blobDir := t.TempDir()
	idbKey := stringIdbKey("k")

	entryValue := []byte{byte(ExternalBlob), 0x07, 0x00, 0x20}
	content := append([]byte{0xff, 0x0f}, v8String("from disk")...)
	path := filepath.Join(blobDir, blobRelativePath(1, 7))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	value := []byte{0x01, 0xff, RequiresProcessingSSVPseudoVersion, ReplaceWithBlobMarker, 0x20, 0x00}

	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, idbKey), value, 1),
		liveRec(mustPrefix(t, 1, 1, BlobEntryIndexID, idbKey...), entryValue, 1),
	}, blobDir)
	require.NoError(t, err)

	records, _, err := db.CollectStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "from disk", records[0].Value)
	assert.Equal(t, blobRelativePath(1, 7), records[0].ExternalValuePath)
}

func TestExternalBlobUnresolved(t *testing.T) {
	t.Parallel()

	// The wrapper references blob index 0 but no blob entry record exists.
	value := []byte{0x01, 0xff, RequiresProcessingSSVPseudoVersion, ReplaceWithBlobMarker, 0x20, 0x00}
	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, stringIdbKey("k")), value, 1),
	}, t.TempDir())
	require.NoError(t, err)

	it, err := db.IterateStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	_, err = it.Next()
	require.ErrorIs(t, err, ErrUnresolvedBlob)
}

func TestTrailerParsed(t *testing.T) {
	t.Parallel()

	value := []byte{0x01, 0xff, minWireFormatVersionForTrailer, BlinkTrailerTag}
	value = append(value, 0, 0, 0, 0, 0, 0, 0, 2) // offset
	value = append(value, 0, 0, 0, 3)             // length
	value = append(value, v8String("tail")...)

	db, err := NewIndexedDB([]common.RawRecord{
		liveRec(dataRecordKey(t, 1, 1, stringIdbKey("k")), value, 1),
	}, "")
	require.NoError(t, err)

	records, _, err := db.CollectStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Trailer)
	assert.Equal(t, uint64(2), records[0].Trailer.Offset)
	assert.Equal(t, uint32(3), records[0].Trailer.Length)
	assert.Equal(t, "tail", records[0].Value)
}

func TestBadRecordHandlerSkips(t *testing.T) {
	t.Parallel()

	good := liveRec(dataRecordKey(t, 1, 1, stringIdbKey("good")), wrapValue(v8String("ok")), 1)
	// The value declares an envelope tag that is not there.
	bad := liveRec(dataRecordKey(t, 1, 1, stringIdbKey("bad")), []byte{0x01, 0x41, 0x41}, 2)

	db, err := NewIndexedDB([]common.RawRecord{good, bad}, "")
	require.NoError(t, err)

	var handlerKeys []string
	opts := IterateOptions{OnBadRecord: func(key *IdbKey, rawValue []byte, err error) {
		require.NotNil(t, key)
		handlerKeys = append(handlerKeys, key.Text)
		assert.ErrorIs(t, err, ErrMalformedKey)
	}}

	records, it, err := db.CollectStore(1, 1, opts)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ok", records[0].Value)

	assert.Equal(t, 2, it.Attempted())
	assert.Equal(t, 1, it.Materialized())
	assert.Equal(t, 1, it.Skipped())
	assert.Equal(t, []string{"bad"}, handlerKeys)
}

func TestBadRecordWithoutHandlerHalts(t *testing.T) {
	t.Parallel()

	bad := liveRec(dataRecordKey(t, 1, 1, stringIdbKey("bad")), []byte{0x01, 0x41, 0x41}, 1)
	db, err := NewIndexedDB([]common.RawRecord{bad}, "")
	require.NoError(t, err)

	it, err := db.IterateStore(1, 1, IterateOptions{})
	require.NoError(t, err)
	_, err = it.Next()
	require.ErrorIs(t, err, ErrMalformedKey)

	// The failure is sticky.
	_, err2 := it.Next()
	assert.Equal(t, err, err2)
}
