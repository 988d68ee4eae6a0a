package common

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVarint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
		want  uint64
	}{
		{"zero", []byte{0x00}, 0},
		{"one byte", []byte{0x7f}, 127},
		{"two bytes", []byte{0xac, 0x02}, 300},
		{"max uint64", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}, ^uint64(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewLevelDBDecoder(tc.input)
			offset, v, err := d.DecodeVarint()
			require.NoError(t, err)
			assert.Equal(t, int64(0), offset)
			assert.Equal(t, tc.want, v)
			assert.Equal(t, int64(len(tc.input)), d.Offset())
		})
	}
}

func TestDecodeVarintErrors(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder(nil)
	_, _, err := d.DecodeVarint()
	assert.Equal(t, io.EOF, err, "clean end of buffer")

	d = NewLevelDBDecoder([]byte{0x80, 0x80})
	_, _, err = d.DecodeVarint()
	assert.Equal(t, io.ErrUnexpectedEOF, err, "continuation byte promised more")
	assert.Equal(t, int64(0), d.Offset(), "failed decode must not consume")

	// Eleven continuation bytes exceed the 64-bit limit.
	d = NewLevelDBDecoder([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	_, _, err = d.DecodeVarint()
	assert.ErrorIs(t, err, ErrVarintTooLong)
}

func TestDecodeVarint32Limit(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	_, v, err := d.DecodeVarint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), v)

	d = NewLevelDBDecoder([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	_, _, err = d.DecodeVarint32()
	assert.ErrorIs(t, err, ErrVarintTooLong)
}

func TestDecodeInt(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{0x34, 0x12, 0x00})
	_, v, err := d.DecodeInt(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)

	_, _, err = NewLevelDBDecoder([]byte{0x01}).DecodeInt(0)
	assert.Error(t, err)
	_, _, err = NewLevelDBDecoder([]byte{0x01}).DecodeInt(9)
	assert.Error(t, err)
	_, _, err = NewLevelDBDecoder([]byte{0x01}).DecodeInt(2)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReadBytes(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{1, 2, 3})
	_, got, err := d.ReadBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)

	_, _, err = d.ReadBytes(2)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	d.ReadBytes(1)
	_, _, err = d.ReadBytes(1)
	assert.Equal(t, io.EOF, err)
}

func TestPeekBytesDoesNotAdvance(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{9, 8})
	assert.Equal(t, []byte{9, 8}, d.PeekBytes(2))
	assert.Equal(t, []byte{9, 8}, d.PeekBytes(5), "peek clamps to remaining")
	assert.Equal(t, int64(0), d.Offset())
}

func TestDecodeBlobWithLength(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{0x03, 'a', 'b', 'c', 'd'})
	_, blob, err := d.DecodeBlobWithLength()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), blob)
	assert.Equal(t, int64(4), d.Offset())

	d = NewLevelDBDecoder([]byte{0x05, 'a'})
	_, _, err = d.DecodeBlobWithLength()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Equal(t, int64(0), d.Offset(), "failed decode must not consume")
}

func TestDecodeUTF16StringWithLengthBigEndian(t *testing.T) {
	t.Parallel()

	// Two code units of big-endian UTF-16: "hi".
	d := NewLevelDBDecoder([]byte{0x02, 0x00, 'h', 0x00, 'i', 0xff})
	_, s, err := d.DecodeUTF16StringWithLengthBigEndian()
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
	assert.Equal(t, int64(5), d.Offset())

	d = NewLevelDBDecoder([]byte{0x04, 0x00, 'h'})
	_, _, err = d.DecodeUTF16StringWithLengthBigEndian()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestDecodeUTF16StringWithLength(t *testing.T) {
	t.Parallel()

	// Byte count prefix, little-endian code units.
	d := NewLevelDBDecoder([]byte{0x04, 'h', 0x00, 'i', 0x00})
	_, s, err := d.DecodeUTF16StringWithLength()
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestFixedWidthDecoders(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{0x01, 0x02})
	_, v16, err := d.DecodeUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v16)

	d = NewLevelDBDecoder([]byte{0x01, 0x02, 0x03, 0x04})
	_, v32, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	d = NewLevelDBDecoder([]byte{0x01, 0x02, 0x03, 0x04})
	_, v32be, err := d.DecodeUint32BE()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), v32be)

	d = NewLevelDBDecoder([]byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f})
	_, f, err := d.DecodeDouble()
	require.NoError(t, err)
	assert.Equal(t, 1.0, f)
}

func TestSeek(t *testing.T) {
	t.Parallel()

	d := NewLevelDBDecoder([]byte{1, 2, 3, 4})
	_, err := d.Seek(2, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Offset())

	_, err = d.Seek(-1, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Offset())

	_, err = d.Seek(5, io.SeekStart)
	assert.Error(t, err)
	assert.Equal(t, int64(3), d.Offset(), "failed seek leaves position unchanged")
}

func TestBytesToEscapedString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", BytesToEscapedString([]byte("abc")))
	assert.Equal(t, `a\x00\x1fb`, BytesToEscapedString([]byte{'a', 0x00, 0x1f, 'b'}))
	assert.Equal(t, `\x5c`, BytesToEscapedString([]byte{'\\'}))
}
