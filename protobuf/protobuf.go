// Package protobuf decodes protobuf-style wire data without a schema. Callers
// supply a table mapping tag numbers to decode functions; unregistered tags
// fall back to a raw decoding appropriate for their wire type, so unknown
// future fields are retained rather than dropped.
package protobuf

import (
	"errors"
	"fmt"
	"io"

	"chromium-storage-go/leveldb/common"
)

// WireType is the low three bits of a field tag.
type WireType byte

const (
	WireVarint          WireType = 0
	WireFixed64         WireType = 1
	WireLengthDelimited WireType = 2
	WireFixed32         WireType = 5
)

func (w WireType) String() string {
	switch w {
	case WireVarint:
		return "varint"
	case WireFixed64:
		return "64-bit"
	case WireLengthDelimited:
		return "length-delimited"
	case WireFixed32:
		return "32-bit"
	}
	return fmt.Sprintf("WireType(%d)", byte(w))
}

var (
	// ErrMalformedVarint marks a varint that is truncated or exceeds its
	// byte-count limit.
	ErrMalformedVarint = errors.New("malformed varint")
	// ErrTruncatedField marks a field whose declared length exceeds the
	// remaining stream bytes.
	ErrTruncatedField = errors.New("field truncated")
	// ErrInvalidWireType marks a tag with a wire type this format never uses.
	ErrInvalidWireType = errors.New("invalid wire type")
	// ErrDepthExceeded marks embedded messages nested past the defensive
	// recursion limit.
	ErrDepthExceeded = errors.New("embedded message depth exceeded")
)

const maxEmbedDepth = 32

// Stream is the byte source handed to field decoders. It tracks embedding
// depth so adversarial input cannot recurse unboundedly.
type Stream struct {
	*common.LevelDBDecoder
	depth int
}

func NewStream(data []byte) *Stream {
	return &Stream{LevelDBDecoder: common.NewLevelDBDecoder(data)}
}

// ReadVarint reads a little-endian base-128 varint of the given width (32 or
// 64), consuming at most 5 or 10 bytes respectively. io.EOF is returned only
// when the stream ends before any byte is read.
func ReadVarint(s *Stream, width int) (uint64, error) {
	switch width {
	case 32:
		_, v, err := s.DecodeVarint32()
		return uint64(v), wrapVarintErr(err)
	case 64:
		_, v, err := s.DecodeVarint()
		return v, wrapVarintErr(err)
	}
	return 0, fmt.Errorf("unsupported varint width %d", width)
}

func wrapVarintErr(err error) error {
	switch {
	case err == nil, err == io.EOF:
		return err
	case errors.Is(err, common.ErrVarintTooLong), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrMalformedVarint, err)
	}
	return err
}

// DecodeFunc decodes one field's bytes. The stream it receives holds exactly
// the bytes owned by the field's wire type.
type DecodeFunc func(*Stream) (any, error)

// FieldDecoder pairs a decode function with the field name it produces.
type FieldDecoder struct {
	Name string
	Fn   DecodeFunc
}

// Table maps tag numbers to field decoders. In friendly mode the key is
// tag>>3 (the number that would appear in a .proto schema); otherwise it is
// the raw tag including the wire type bits.
type Table map[uint64]FieldDecoder

// ProtoObject is one decoded field. Embedded messages hold []*ProtoObject as
// their value, forming a tree.
type ProtoObject struct {
	Tag      uint64
	Name     string
	WireType WireType
	Value    any
}

// FriendlyTag is the tag number as it would be written in a schema.
func (o *ProtoObject) FriendlyTag() uint64 { return o.Tag >> 3 }

func (o *ProtoObject) children() []*ProtoObject {
	kids, _ := o.Value.([]*ProtoObject)
	return kids
}

// ByName returns all child fields with the given name.
func (o *ProtoObject) ByName(name string) []*ProtoObject {
	var out []*ProtoObject
	for _, c := range o.children() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ByTag returns all child fields with the given friendly tag number.
func (o *ProtoObject) ByTag(tag uint64) []*ProtoObject {
	var out []*ProtoObject
	for _, c := range o.children() {
		if c.FriendlyTag() == tag {
			out = append(out, c)
		}
	}
	return out
}

// Only returns the single child field with the given name, or nil when it is
// absent. Non-repeating fields should be read through this.
func (o *ProtoObject) Only(name string) *ProtoObject {
	got := o.ByName(name)
	if len(got) == 1 {
		return got[0]
	}
	return nil
}

// fieldBytes extracts exactly the bytes owned by the tag's wire type. For
// length-delimited fields the returned buffer includes the length varint so
// decoders like Blob can re-read it.
func fieldBytes(s *Stream, tag uint64) ([]byte, error) {
	switch WireType(tag & 0x07) {
	case WireVarint:
		start := s.Offset()
		if _, _, err := s.DecodeVarint(); err != nil {
			return nil, wrapVarintErr(err)
		}
		end := s.Offset()
		s.Seek(start, io.SeekStart)
		_, buf, err := s.ReadBytes(int(end - start))
		return buf, err
	case WireFixed64:
		_, buf, err := s.ReadBytes(8)
		return buf, truncated(err)
	case WireLengthDelimited:
		start := s.Offset()
		_, n, err := s.DecodeVarint()
		if err != nil {
			return nil, wrapVarintErr(err)
		}
		if int64(n) > s.Remaining() {
			return nil, fmt.Errorf("%w: declared length %d exceeds %d remaining bytes", ErrTruncatedField, n, s.Remaining())
		}
		end := s.Offset() + int64(n)
		s.Seek(start, io.SeekStart)
		_, buf, readErr := s.ReadBytes(int(end - start))
		return buf, readErr
	case WireFixed32:
		_, buf, err := s.ReadBytes(4)
		return buf, truncated(err)
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidWireType, tag&0x07)
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", ErrTruncatedField, err)
	}
	return err
}

// ReadTag reads one field: the tag varint, the bytes its wire type owns, and
// the decoded value via the table (or the wire-type fallback when the tag is
// unregistered). A clean end of stream returns (nil, io.EOF).
func ReadTag(s *Stream, table Table, friendly bool) (*ProtoObject, error) {
	tag, err := ReadVarint(s, 64)
	if err != nil {
		return nil, err
	}

	buf, err := fieldBytes(s, tag)
	if err != nil {
		return nil, err
	}

	lookup := tag
	if friendly {
		lookup = tag >> 3
	}
	sub := &Stream{LevelDBDecoder: common.NewLevelDBDecoder(buf), depth: s.depth}

	decoder, ok := table[lookup]
	if !ok {
		value, err := fallbackDecode(sub, WireType(tag&0x07))
		if err != nil {
			return nil, err
		}
		return &ProtoObject{Tag: tag, WireType: WireType(tag & 0x07), Value: value}, nil
	}

	value, err := decoder.Fn(sub)
	if err != nil {
		return nil, fmt.Errorf("field %q (tag %d): %w", decoder.Name, tag>>3, err)
	}
	return &ProtoObject{Tag: tag, Name: decoder.Name, WireType: WireType(tag & 0x07), Value: value}, nil
}

func fallbackDecode(s *Stream, wire WireType) (any, error) {
	switch wire {
	case WireVarint:
		return ReadVarint(s, 64)
	case WireFixed64:
		_, buf, err := s.ReadBytes(8)
		return buf, truncated(err)
	case WireLengthDelimited:
		return Blob(s)
	case WireFixed32:
		_, buf, err := s.ReadBytes(4)
		return buf, truncated(err)
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidWireType, wire)
}

// MessageReader yields the fields of one message lazily. It is finite and
// non-restartable: Next returns (nil, io.EOF) once the stream is exhausted.
type MessageReader struct {
	s        *Stream
	table    Table
	friendly bool
	done     bool
}

func NewMessageReader(s *Stream, table Table, friendly bool) *MessageReader {
	return &MessageReader{s: s, table: table, friendly: friendly}
}

func (m *MessageReader) Next() (*ProtoObject, error) {
	if m.done {
		return nil, io.EOF
	}
	obj, err := ReadTag(m.s, m.table, m.friendly)
	if err != nil {
		m.done = true
		return nil, err
	}
	return obj, nil
}

// ReadMessage decodes every field until end of stream.
func ReadMessage(s *Stream, table Table, friendly bool) ([]*ProtoObject, error) {
	reader := NewMessageReader(s, table, friendly)
	var out []*ProtoObject
	for {
		obj, err := reader.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
}

// ReadEmbeddedMessage reads a length-delimited field and decodes its contents
// as a nested message.
func ReadEmbeddedMessage(s *Stream, table Table, friendly bool) ([]*ProtoObject, error) {
	if s.depth >= maxEmbedDepth {
		return nil, ErrDepthExceeded
	}
	blob, err := Blob(s)
	if err != nil {
		return nil, err
	}
	inner := &Stream{LevelDBDecoder: common.NewLevelDBDecoder(blob), depth: s.depth + 1}
	return ReadMessage(inner, table, friendly)
}

// Embedded returns a decode function for a nested message field.
func Embedded(table Table, friendly bool) DecodeFunc {
	return func(s *Stream) (any, error) {
		return ReadEmbeddedMessage(s, table, friendly)
	}
}

// Varint decodes a 64-bit varint field value.
func Varint(s *Stream) (any, error) {
	return ReadVarint(s, 64)
}

// Varint32 decodes a 32-bit varint field value.
func Varint32(s *Stream) (any, error) {
	v, err := ReadVarint(s, 32)
	return uint32(v), err
}

// Bool decodes a varint field as a boolean.
func Bool(s *Stream) (any, error) {
	v, err := ReadVarint(s, 64)
	return v != 0, err
}

// Blob decodes a varint-length-prefixed byte field.
func Blob(s *Stream) ([]byte, error) {
	_, n, err := s.DecodeVarint()
	if err != nil {
		return nil, wrapVarintErr(err)
	}
	if int64(n) > s.Remaining() {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d remaining bytes", ErrTruncatedField, n, s.Remaining())
	}
	_, blob, err := s.ReadBytes(int(n))
	return blob, err
}

// RawBlob is Blob with the DecodeFunc signature.
func RawBlob(s *Stream) (any, error) {
	return Blob(s)
}

// String decodes a varint-length-prefixed UTF-8 string field.
func String(s *Stream) (any, error) {
	blob, err := Blob(s)
	if err != nil {
		return nil, err
	}
	return string(blob), nil
}

// Double decodes a fixed 64-bit little-endian float field.
func Double(s *Stream) (any, error) {
	_, v, err := s.DecodeDouble()
	return v, truncated(err)
}

// Fixed64 decodes a fixed 64-bit little-endian integer field.
func Fixed64(s *Stream) (any, error) {
	_, v, err := s.DecodeUint64()
	return v, truncated(err)
}

// Fixed32 decodes a fixed 32-bit little-endian integer field.
func Fixed32(s *Stream) (any, error) {
	_, v, err := s.DecodeUint32()
	return v, truncated(err)
}
