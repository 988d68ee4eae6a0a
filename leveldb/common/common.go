package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode"

	textunicode "golang.org/x/text/encoding/unicode"
)

// KeyState describes whether a record was live or tombstoned when written.
type KeyState byte

const (
	KeyStateDeleted KeyState = 0
	KeyStateLive    KeyState = 1
)

func (s KeyState) String() string {
	switch s {
	case KeyStateDeleted:
		return "deleted"
	case KeyStateLive:
		return "live"
	}
	return fmt.Sprintf("KeyState(%d)", byte(s))
}

// RawRecord is a single sequence-numbered key/value revision recovered from a
// LevelDB store. Multiple RawRecords may share a user key across revisions;
// the highest-sequence live one is the current value.
type RawRecord struct {
	Key        []byte
	Value      []byte
	Seq        uint64
	State      KeyState
	UserKey    []byte
	OriginFile string
	Offset     int64
	Recovered  bool
}

// Record is implemented by the per-file record types so the folder reader can
// merge them generically.
type Record interface {
	GetSequenceNumber() uint64
	GetKey() []byte
	GetValue() []byte
	GetOffset() int64
	GetState() KeyState
}

// KeyValueRecord is an entry recovered from an .ldb/.sst table block.
type KeyValueRecord struct {
	Offset         int64
	Key            []byte
	Value          []byte
	SequenceNumber uint64
	RecordType     byte
}

func (r *KeyValueRecord) GetSequenceNumber() uint64 { return r.SequenceNumber }
func (r *KeyValueRecord) GetKey() []byte            { return r.Key }
func (r *KeyValueRecord) GetValue() []byte          { return r.Value }
func (r *KeyValueRecord) GetOffset() int64          { return r.Offset }

func (r *KeyValueRecord) GetState() KeyState {
	if r.RecordType == 0 {
		return KeyStateDeleted
	}
	return KeyStateLive
}

// ParsedInternalKey is an entry recovered from a .log write batch.
type ParsedInternalKey struct {
	Offset         int64
	RecordType     byte
	SequenceNumber uint64
	Key            []byte
	Value          []byte
	Recovered      bool
}

func (r *ParsedInternalKey) GetSequenceNumber() uint64 { return r.SequenceNumber }
func (r *ParsedInternalKey) GetKey() []byte            { return r.Key }
func (r *ParsedInternalKey) GetValue() []byte          { return r.Value }
func (r *ParsedInternalKey) GetOffset() int64          { return r.Offset }

func (r *ParsedInternalKey) GetState() KeyState {
	if r.RecordType == 0 {
		return KeyStateDeleted
	}
	return KeyStateLive
}

// BytesToEscapedString converts a byte slice to a string, escaping
// non-printable characters so keys and values stay greppable in output.
func BytesToEscapedString(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if unicode.IsPrint(rune(c)) && c != '\\' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", c)
		}
	}
	return sb.String()
}

// ErrVarintTooLong is returned when a varint uses more continuation bytes than
// its width allows (5 for 32-bit, 10 for 64-bit).
var ErrVarintTooLong = errors.New("varint exceeds maximum encoded length")

var (
	utf16BE = textunicode.UTF16(textunicode.BigEndian, textunicode.IgnoreBOM)
	utf16LE = textunicode.UTF16(textunicode.LittleEndian, textunicode.IgnoreBOM)
)

// DecodeUTF16BE converts raw big-endian UTF-16 bytes to a string.
func DecodeUTF16BE(data []byte) (string, error) {
	out, err := utf16BE.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeUTF16LE converts raw little-endian UTF-16 bytes to a string.
func DecodeUTF16LE(data []byte) (string, error) {
	out, err := utf16LE.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// LevelDBDecoder reads the primitive encodings used throughout the LevelDB and
// IndexedDB formats from an in-memory buffer. Decode methods return the offset
// the value started at, the value, and an error. Truncated input yields
// io.ErrUnexpectedEOF; a clean end of the buffer before any byte is read
// yields io.EOF, never conflated with a zero value.
type LevelDBDecoder struct {
	buf []byte
	pos int64
}

func NewLevelDBDecoder(data []byte) *LevelDBDecoder {
	return &LevelDBDecoder{buf: data}
}

// Offset returns the current read position.
func (d *LevelDBDecoder) Offset() int64 { return d.pos }

// Remaining returns the number of unread bytes.
func (d *LevelDBDecoder) Remaining() int64 { return int64(len(d.buf)) - d.pos }

// Seek repositions the decoder. Seeking outside the buffer is an error.
func (d *LevelDBDecoder) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = d.pos + offset
	case io.SeekEnd:
		abs = int64(len(d.buf)) + offset
	default:
		return d.pos, fmt.Errorf("unsupported seek whence: %d", whence)
	}
	if abs < 0 || abs > int64(len(d.buf)) {
		return d.pos, fmt.Errorf("seek out of range: %d", abs)
	}
	d.pos = abs
	return d.pos, nil
}

// ReadBytes reads exactly n bytes from the current position.
func (d *LevelDBDecoder) ReadBytes(n int) (int64, []byte, error) {
	start := d.pos
	if n < 0 {
		return start, nil, fmt.Errorf("negative read length %d", n)
	}
	if d.Remaining() == 0 && n > 0 {
		return start, nil, io.EOF
	}
	if int64(n) > d.Remaining() {
		return start, nil, io.ErrUnexpectedEOF
	}
	out := d.buf[d.pos : d.pos+int64(n)]
	d.pos += int64(n)
	return start, out, nil
}

// PeekBytes returns up to n bytes without advancing the position.
func (d *LevelDBDecoder) PeekBytes(n int) []byte {
	if int64(n) > d.Remaining() {
		n = int(d.Remaining())
	}
	return d.buf[d.pos : d.pos+int64(n)]
}

// RemainingBytes consumes and returns everything from the current position to
// the end of the buffer.
func (d *LevelDBDecoder) RemainingBytes() []byte {
	out := d.buf[d.pos:]
	d.pos = int64(len(d.buf))
	return out
}

func (d *LevelDBDecoder) decodeVarint(limit int) (int64, uint64, error) {
	start := d.pos
	var result uint64
	for i := 0; i < limit; i++ {
		_, b, err := d.ReadBytes(1)
		if err != nil {
			if i == 0 {
				return start, 0, err
			}
			d.pos = start
			return start, 0, io.ErrUnexpectedEOF
		}
		result |= uint64(b[0]&0x7f) << (i * 7)
		if b[0]&0x80 == 0 {
			return start, result, nil
		}
	}
	d.pos = start
	return start, 0, ErrVarintTooLong
}

// DecodeVarint decodes a little-endian base-128 varint of up to 10 bytes.
func (d *LevelDBDecoder) DecodeVarint() (int64, uint64, error) {
	return d.decodeVarint(10)
}

// DecodeVarint32 decodes a varint limited to 5 encoded bytes.
func (d *LevelDBDecoder) DecodeVarint32() (int64, uint32, error) {
	start, v, err := d.decodeVarint(5)
	return start, uint32(v), err
}

// DecodeUint8 decodes a single byte.
func (d *LevelDBDecoder) DecodeUint8() (int64, uint8, error) {
	start, buf, err := d.ReadBytes(1)
	if err != nil {
		return start, 0, err
	}
	return start, buf[0], nil
}

// DecodeUint16 decodes a fixed-size little-endian unsigned 16-bit integer.
func (d *LevelDBDecoder) DecodeUint16() (int64, uint16, error) {
	start, buf, err := d.ReadBytes(2)
	if err != nil {
		return start, 0, err
	}
	return start, binary.LittleEndian.Uint16(buf), nil
}

// DecodeUint32 decodes a fixed-size little-endian unsigned 32-bit integer.
func (d *LevelDBDecoder) DecodeUint32() (int64, uint32, error) {
	start, buf, err := d.ReadBytes(4)
	if err != nil {
		return start, 0, err
	}
	return start, binary.LittleEndian.Uint32(buf), nil
}

// DecodeUint64 decodes a fixed-size little-endian unsigned 64-bit integer.
func (d *LevelDBDecoder) DecodeUint64() (int64, uint64, error) {
	start, buf, err := d.ReadBytes(8)
	if err != nil {
		return start, 0, err
	}
	return start, binary.LittleEndian.Uint64(buf), nil
}

// DecodeUint32BE decodes a fixed-size big-endian unsigned 32-bit integer.
func (d *LevelDBDecoder) DecodeUint32BE() (int64, uint32, error) {
	start, buf, err := d.ReadBytes(4)
	if err != nil {
		return start, 0, err
	}
	return start, binary.BigEndian.Uint32(buf), nil
}

// DecodeUint64BE decodes a fixed-size big-endian unsigned 64-bit integer.
func (d *LevelDBDecoder) DecodeUint64BE() (int64, uint64, error) {
	start, buf, err := d.ReadBytes(8)
	if err != nil {
		return start, 0, err
	}
	return start, binary.BigEndian.Uint64(buf), nil
}

// DecodeDouble decodes a little-endian IEEE-754 double.
func (d *LevelDBDecoder) DecodeDouble() (int64, float64, error) {
	start, v, err := d.DecodeUint64()
	if err != nil {
		return start, 0, err
	}
	return start, math.Float64frombits(v), nil
}

// DecodeInt decodes an n-byte little-endian integer. This is the "truncated
// int" used by IndexedDB metadata, where the length is implied by the
// surrounding structure rather than encoded.
func (d *LevelDBDecoder) DecodeInt(n int) (int64, uint64, error) {
	if n < 1 || n > 8 {
		return d.pos, 0, fmt.Errorf("truncated int length out of range: %d", n)
	}
	start, buf, err := d.ReadBytes(n)
	if err != nil {
		return start, 0, err
	}
	var result uint64
	for i, b := range buf {
		result |= uint64(b) << (i * 8)
	}
	return start, result, nil
}

// DecodeBlobWithLength decodes a varint length followed by that many bytes.
func (d *LevelDBDecoder) DecodeBlobWithLength() (int64, []byte, error) {
	start, n, err := d.DecodeVarint()
	if err != nil {
		return start, nil, err
	}
	if int64(n) > d.Remaining() {
		d.pos = start
		return start, nil, io.ErrUnexpectedEOF
	}
	_, blob, err := d.ReadBytes(int(n))
	if err != nil {
		d.pos = start
		return start, nil, err
	}
	return start, blob, nil
}

// DecodeUTF16StringWithLength decodes a varint byte count followed by that
// many bytes of little-endian UTF-16. Used by the V8 two-byte string encoding.
func (d *LevelDBDecoder) DecodeUTF16StringWithLength() (int64, string, error) {
	start, raw, err := d.DecodeBlobWithLength()
	if err != nil {
		return start, "", err
	}
	s, err := DecodeUTF16LE(raw)
	return start, s, err
}

// DecodeUTF16StringWithLengthBigEndian decodes a varint UTF-16 code-unit count
// followed by twice that many bytes of big-endian UTF-16. Used by IndexedDB
// keys and metadata strings.
func (d *LevelDBDecoder) DecodeUTF16StringWithLengthBigEndian() (int64, string, error) {
	start, n, err := d.DecodeVarint()
	if err != nil {
		return start, "", err
	}
	if int64(n)*2 > d.Remaining() {
		d.pos = start
		return start, "", io.ErrUnexpectedEOF
	}
	_, raw, err := d.ReadBytes(int(n) * 2)
	if err != nil {
		d.pos = start
		return start, "", err
	}
	s, err := DecodeUTF16BE(raw)
	return start, s, err
}
