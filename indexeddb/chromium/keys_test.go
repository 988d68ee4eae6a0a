package chromium

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromium-storage-go/leveldb/common"
)

func TestMakePrefixReadPrefixRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		db      uint64
		store   uint64
		index   uint64
		wantLen int
	}{
		{"minimal", 1, 1, 1, 4},
		{"zero ids", 0, 0, 0, 4},
		{"two byte db id", 0x1234, 1, 1, 5},
		{"wide everything", 1 << 60, 1 << 40, 1 << 30, 19},
		{"max index width", 5, 6, 0xffffffff, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := MakePrefix(tc.db, tc.store, tc.index)
			require.NoError(t, err)
			assert.Len(t, encoded, tc.wantLen)

			got, err := ReadPrefix(common.NewLevelDBDecoder(encoded))
			require.NoError(t, err)
			assert.Equal(t, tc.db, got.DatabaseID)
			assert.Equal(t, tc.store, got.ObjectStoreID)
			assert.Equal(t, tc.index, got.IndexID)
			assert.Equal(t, len(encoded), got.RawLength)
		})
	}
}

func TestMakePrefixIndexIDTooWide(t *testing.T) {
	t.Parallel()

	// Index ids are capped at four bytes by the header layout.
	_, err := MakePrefix(1, 1, 1<<32)
	require.ErrorIs(t, err, ErrMalformedPrefix)
}

func TestMakePrefixTrailingBytes(t *testing.T) {
	t.Parallel()

	encoded, err := MakePrefix(2, 3, 0, byte(ObjectStoreMetaDataKey))
	require.NoError(t, err)
	assert.Equal(t, byte(ObjectStoreMetaDataKey), encoded[len(encoded)-1])
}

func TestReadPrefixTruncated(t *testing.T) {
	t.Parallel()

	// Header declares a two-byte database id that is not there.
	_, err := ReadPrefix(common.NewLevelDBDecoder([]byte{0x20, 0x01}))
	require.ErrorIs(t, err, ErrMalformedPrefix)
}

func TestKeyPrefixType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix KeyPrefix
		want   KeyPrefixType
	}{
		{KeyPrefix{0, 0, 0, 4}, GlobalMetadataPrefix},
		{KeyPrefix{1, 0, 0, 4}, DatabaseMetadataPrefix},
		{KeyPrefix{1, 1, 1, 4}, ObjectStoreDataPrefix},
		{KeyPrefix{1, 1, 2, 4}, ExistsEntryPrefix},
		{KeyPrefix{1, 1, 3, 4}, BlobEntryPrefix},
		{KeyPrefix{1, 1, 30, 4}, IndexDataPrefix},
		{KeyPrefix{1, 1, 99, 4}, IndexDataPrefix},
		{KeyPrefix{1, 1, 7, 4}, InvalidPrefix},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.prefix.Type())
	}
}

func encodeDouble(v float64) []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

func TestDecodeIdbKeyNull(t *testing.T) {
	t.Parallel()

	// Trailing bytes beyond the key are not an error.
	key, err := DecodeIdbKey([]byte{byte(IdbKeyNull), 0xaa, 0xbb})
	require.NoError(t, err)
	assert.Equal(t, IdbKeyNull, key.Type)
	assert.Equal(t, 1, key.RawLength())
	assert.Nil(t, key.Value())
}

func TestDecodeIdbKeyString(t *testing.T) {
	t.Parallel()

	buf := []byte{byte(IdbKeyString), 0x02, 0x00, 'h', 0x00, 'i'}
	key, err := DecodeIdbKey(buf)
	require.NoError(t, err)
	assert.Equal(t, IdbKeyString, key.Type)
	assert.Equal(t, "hi", key.Text)
	assert.Equal(t, len(buf), key.RawLength())
}

func TestDecodeIdbKeyNumber(t *testing.T) {
	t.Parallel()

	buf := append([]byte{byte(IdbKeyNumber)}, encodeDouble(42.5)...)
	key, err := DecodeIdbKey(buf)
	require.NoError(t, err)
	assert.Equal(t, 42.5, key.Number)
	assert.Equal(t, 9, key.RawLength())
}

func TestDecodeIdbKeyDate(t *testing.T) {
	t.Parallel()

	// 2021-01-01T00:00:00Z in milliseconds since the Unix epoch.
	ms := float64(1609459200000)
	buf := append([]byte{byte(IdbKeyDate)}, encodeDouble(ms)...)
	key, err := DecodeIdbKey(buf)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), key.Date)
}

func TestDecodeIdbKeyBinary(t *testing.T) {
	t.Parallel()

	buf := []byte{byte(IdbKeyBinary), 0x03, 0x01, 0x02, 0x03}
	key, err := DecodeIdbKey(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, key.Binary)
	assert.Equal(t, 5, key.RawLength())
}

func TestDecodeIdbKeyArray(t *testing.T) {
	t.Parallel()

	buf := []byte{byte(IdbKeyArray), 0x02, byte(IdbKeyNull)}
	buf = append(buf, byte(IdbKeyNumber))
	buf = append(buf, encodeDouble(7)...)

	key, err := DecodeIdbKey(buf)
	require.NoError(t, err)
	require.Len(t, key.Children, 2)
	assert.Equal(t, IdbKeyNull, key.Children[0].Type)
	assert.Equal(t, 7.0, key.Children[1].Number)

	// The array's encoded length is the header plus the sum of its children.
	assert.Equal(t, 2+key.Children[0].RawLength()+key.Children[1].RawLength(), key.RawLength())
	assert.Equal(t, []any{nil, 7.0}, key.Value())
}

func TestDecodeIdbKeyNestedArrayDepthLimit(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0, (maxKeyDepth+2)*2)
	for i := 0; i < maxKeyDepth+2; i++ {
		buf = append(buf, byte(IdbKeyArray), 0x01)
	}
	buf = append(buf, byte(IdbKeyNull))

	_, err := DecodeIdbKey(buf)
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecodeIdbKeyMinKeyUnsupported(t *testing.T) {
	t.Parallel()

	_, err := DecodeIdbKey([]byte{byte(IdbKeyMinKey)})
	require.ErrorIs(t, err, ErrUnsupportedTag)
}

func TestDecodeIdbKeyUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodeIdbKey([]byte{0x2a})
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecodeIdbKeyTruncated(t *testing.T) {
	t.Parallel()

	_, err := DecodeIdbKey(nil)
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = DecodeIdbKey([]byte{byte(IdbKeyNumber), 0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestIdbKeyEqualComparesEncodedBytes(t *testing.T) {
	t.Parallel()

	a, err := DecodeIdbKey([]byte{byte(IdbKeyString), 0x01, 0x00, '1'})
	require.NoError(t, err)
	b, err := DecodeIdbKey([]byte{byte(IdbKeyString), 0x01, 0x00, '1', 0xff})
	require.NoError(t, err)
	assert.True(t, a.Equal(b), "trailing bytes are outside the key")
	assert.Equal(t, a.HashKey(), b.HashKey())

	// The number 1 and the string "1" coincide in no encoding.
	n, err := DecodeIdbKey(append([]byte{byte(IdbKeyNumber)}, encodeDouble(1)...))
	require.NoError(t, err)
	assert.False(t, a.Equal(n))
	assert.False(t, a.Equal(nil))
}
