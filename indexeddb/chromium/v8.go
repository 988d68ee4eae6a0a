package chromium

import (
	"fmt"
	"time"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"
)

// V8SerializationTag is the single-byte tag preceding each serialized value.
type V8SerializationTag byte

const (
	V8VersionTag           V8SerializationTag = 0xFF
	V8Padding              V8SerializationTag = '\000'
	V8VerifyObjectCount    V8SerializationTag = '?'
	V8TheHole              V8SerializationTag = '-'
	V8Undefined            V8SerializationTag = '_'
	V8Null                 V8SerializationTag = '0'
	V8True                 V8SerializationTag = 'T'
	V8False                V8SerializationTag = 'F'
	V8Int32                V8SerializationTag = 'I'
	V8Uint32               V8SerializationTag = 'U'
	V8Double               V8SerializationTag = 'N'
	V8BigInt               V8SerializationTag = 'Z'
	V8UTF8String           V8SerializationTag = 'S'
	V8OneByteString        V8SerializationTag = '"'
	V8TwoByteString        V8SerializationTag = 'c'
	V8ObjectReference      V8SerializationTag = '^'
	V8BeginJSObject        V8SerializationTag = 'o'
	V8EndJSObject          V8SerializationTag = '{'
	V8BeginSparseJSArray   V8SerializationTag = 'a'
	V8EndSparseJSArray     V8SerializationTag = '@'
	V8BeginDenseJSArray    V8SerializationTag = 'A'
	V8EndDenseJSArray      V8SerializationTag = '$'
	V8Date                 V8SerializationTag = 'D'
	V8TrueObject           V8SerializationTag = 'y'
	V8FalseObject          V8SerializationTag = 'x'
	V8NumberObject         V8SerializationTag = 'n'
	V8BigIntObject         V8SerializationTag = 'z'
	V8StringObject         V8SerializationTag = 's'
	V8RegExp               V8SerializationTag = 'R'
	V8BeginJSMap           V8SerializationTag = ';'
	V8EndJSMap             V8SerializationTag = ':'
	V8BeginJSSet           V8SerializationTag = '\''
	V8EndJSSet             V8SerializationTag = ','
	V8ArrayBuffer          V8SerializationTag = 'B'
	V8ArrayBufferViewTag   V8SerializationTag = 'V'
	V8ResizableArrayBuffer V8SerializationTag = '~'
	V8ArrayBufferTransfer  V8SerializationTag = 't'
	V8SharedArrayBuffer    V8SerializationTag = 'u'
	V8SharedObject         V8SerializationTag = 'p'
	V8WasmModuleTransfer   V8SerializationTag = 'w'
	V8HostObject           V8SerializationTag = '\\'
	V8WasmMemoryTransfer   V8SerializationTag = 'm'
	V8Error                V8SerializationTag = 'r'
)

// maxV8Depth bounds value nesting; input is adversarial.
const maxV8Depth = 256

// UndefinedValue stands in for JavaScript undefined, which is distinct from
// null in the wire format.
type UndefinedValue struct{}

func (UndefinedValue) String() string               { return "undefined" }
func (UndefinedValue) MarshalJSON() ([]byte, error) { return []byte(`"<undefined>"`), nil }

// JSArray carries both the dense/sparse elements and the named properties an
// array can additionally hold.
type JSArray struct {
	Values     []any          `json:"values"`
	Properties map[string]any `json:"properties,omitempty"`
}

// JSMapEntry is one key/value pair of a serialized Map. Keys may be arbitrary
// values, so a Go map cannot represent them.
type JSMapEntry struct {
	Key   any `json:"key"`
	Value any `json:"value"`
}

// JSRegExp is a serialized RegExp literal.
type JSRegExp struct {
	Pattern string `json:"pattern"`
	Flags   uint64 `json:"flags"`
}

// ArrayBufferView is a typed-array view over an ArrayBuffer.
type ArrayBufferView struct {
	Buffer []byte `json:"buffer"`
	Tag    byte   `json:"tag"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Flags  uint64 `json:"flags"`
}

// HostObjectDelegate decodes the engine-extension tags that follow a
// V8HostObject marker.
type HostObjectDelegate interface {
	ReadHostObject(d *V8Deserializer) (any, error)
}

// V8Deserializer decodes one serialized value stream. It is single-use.
type V8Deserializer struct {
	decoder  *common.LevelDBDecoder
	objects  map[uint32]any
	nextID   uint32
	version  uint64
	delegate HostObjectDelegate
	depth    int
}

func NewV8Deserializer(data []byte, delegate HostObjectDelegate) *V8Deserializer {
	return &V8Deserializer{
		decoder:  common.NewLevelDBDecoder(data),
		objects:  make(map[uint32]any),
		delegate: delegate,
	}
}

// Decoder exposes the underlying stream to host object delegates.
func (d *V8Deserializer) Decoder() *common.LevelDBDecoder { return d.decoder }

// Version is the wire format version read from the header.
func (d *V8Deserializer) Version() uint64 { return d.version }

func (d *V8Deserializer) assignNextID(obj any) {
	d.objects[d.nextID] = obj
	d.nextID++
}

// ReadHeader consumes the version tag and version varint.
func (d *V8Deserializer) ReadHeader() error {
	_, tag, err := d.decoder.DecodeUint8()
	if err != nil {
		return fmt.Errorf("%w: value stream empty", ErrMalformedKey)
	}
	if V8SerializationTag(tag) != V8VersionTag {
		return fmt.Errorf("%w: expected version tag 0xFF, got 0x%02x", ErrMalformedKey, tag)
	}
	_, d.version, err = d.decoder.DecodeVarint()
	if err != nil {
		return fmt.Errorf("%w: version varint", ErrMalformedVarint)
	}
	return nil
}

// readTag returns the next tag, skipping padding bytes.
func (d *V8Deserializer) readTag() (V8SerializationTag, error) {
	for {
		_, b, err := d.decoder.DecodeUint8()
		if err != nil {
			return 0, err
		}
		tag := V8SerializationTag(b)
		if tag == V8Padding {
			continue
		}
		return tag, nil
	}
}

func (d *V8Deserializer) peekTag() (V8SerializationTag, bool) {
	peeked := d.decoder.PeekBytes(1)
	if len(peeked) == 0 {
		return 0, false
	}
	return V8SerializationTag(peeked[0]), true
}

type objectReference struct {
	id    uint32
	value any
}

func deref(v any) any {
	if ref, ok := v.(*objectReference); ok {
		return ref.value
	}
	return v
}

// ReadObject decodes the next value. Object ids are assigned in stream order
// so back references resolve exactly as the producer intended.
func (d *V8Deserializer) ReadObject() (any, error) {
	objectID := d.nextID
	value, err := d.readObjectInternal()
	if err != nil {
		return nil, err
	}
	if _, isRef := value.(*objectReference); !isRef {
		d.objects[objectID] = value
	}

	// An ArrayBuffer may be followed by a view over it.
	if tag, ok := d.peekTag(); ok && tag == V8ArrayBufferViewTag {
		d.decoder.DecodeUint8()
		buffer, ok := deref(value).([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: view tag after %T, expected ArrayBuffer", ErrMalformedKey, value)
		}
		view, err := d.readJSArrayBufferView(buffer)
		if err != nil {
			return nil, err
		}
		d.assignNextID(view)
		return view, nil
	}
	return deref(value), nil
}

func (d *V8Deserializer) readObjectInternal() (any, error) {
	d.depth++
	if d.depth > maxV8Depth {
		return nil, fmt.Errorf("%w: value nesting exceeds %d", ErrMalformedKey, maxV8Depth)
	}
	defer func() { d.depth-- }()

	tag, err := d.readTag()
	if err != nil {
		return nil, fmt.Errorf("%w: value truncated", ErrMalformedKey)
	}

	switch tag {
	case V8Null, V8TheHole:
		return nil, nil
	case V8Undefined:
		return UndefinedValue{}, nil
	case V8True, V8TrueObject:
		return true, nil
	case V8False, V8FalseObject:
		return false, nil

	case V8Int32:
		_, uval, err := d.decoder.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: int32", ErrMalformedVarint)
		}
		return int64(uval>>1) ^ -int64(uval&1), nil
	case V8Uint32:
		_, v, err := d.decoder.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: uint32", ErrMalformedVarint)
		}
		return v, nil
	case V8Double, V8NumberObject:
		_, v, err := d.decoder.DecodeDouble()
		if err != nil {
			return nil, fmt.Errorf("%w: double truncated", ErrMalformedKey)
		}
		return v, nil
	case V8Date:
		_, ms, err := d.decoder.DecodeDouble()
		if err != nil {
			return nil, fmt.Errorf("%w: date truncated", ErrMalformedKey)
		}
		return time.UnixMilli(0).Add(time.Duration(ms * float64(time.Millisecond))).UTC(), nil
	case V8BigInt, V8BigIntObject:
		return d.readBigInt()

	case V8UTF8String, V8OneByteString:
		_, data, err := d.decoder.DecodeBlobWithLength()
		if err != nil {
			return nil, fmt.Errorf("%w: string truncated", ErrMalformedKey)
		}
		return string(data), nil
	case V8TwoByteString:
		_, s, err := d.decoder.DecodeUTF16StringWithLength()
		if err != nil {
			return nil, fmt.Errorf("%w: two-byte string truncated", ErrMalformedKey)
		}
		return s, nil
	case V8StringObject:
		value, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("%w: String object wraps %T", ErrMalformedKey, value)
		}
		return value, nil

	case V8ObjectReference:
		_, id, err := d.decoder.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: object reference id", ErrMalformedVarint)
		}
		obj, ok := d.objects[uint32(id)]
		if !ok {
			return nil, fmt.Errorf("%w: reference to unknown object id %d", ErrMalformedKey, id)
		}
		return &objectReference{id: uint32(id), value: obj}, nil

	case V8BeginJSObject:
		return d.readJSObject()
	case V8BeginDenseJSArray:
		return d.readDenseJSArray()
	case V8BeginSparseJSArray:
		return d.readSparseJSArray()
	case V8BeginJSMap:
		return d.readJSMap()
	case V8BeginJSSet:
		return d.readJSSet()
	case V8RegExp:
		return d.readJSRegExp()
	case V8ArrayBuffer:
		return d.readJSArrayBuffer(false)
	case V8ResizableArrayBuffer:
		return d.readJSArrayBuffer(true)
	case V8SharedArrayBuffer:
		return d.readJSArrayBuffer(false)
	case V8Error:
		return d.readJSError()

	case V8HostObject:
		if d.delegate == nil {
			return nil, fmt.Errorf("%w: host object with no delegate", ErrUnsupportedTag)
		}
		return d.delegate.ReadHostObject(d)

	case V8VerifyObjectCount:
		if _, _, err := d.decoder.DecodeVarint(); err != nil {
			return nil, fmt.Errorf("%w: object count", ErrMalformedVarint)
		}
		return d.readObjectInternal()

	case V8WasmModuleTransfer, V8WasmMemoryTransfer, V8ArrayBufferTransfer, V8SharedObject:
		return nil, fmt.Errorf("%w: v8 tag %q", ErrUnsupportedTag, byte(tag))
	}
	return nil, fmt.Errorf("%w: v8 tag 0x%02x", ErrUnsupportedTag, byte(tag))
}

func (d *V8Deserializer) readLengthChecked(what string) (uint64, error) {
	_, n, err := d.decoder.DecodeVarint()
	if err != nil {
		return 0, fmt.Errorf("%w: %s length", ErrMalformedVarint, what)
	}
	if int64(n) > d.decoder.Remaining() {
		return 0, fmt.Errorf("%w: %s length %d exceeds %d remaining bytes", ErrMalformedKey, what, n, d.decoder.Remaining())
	}
	return n, nil
}

func (d *V8Deserializer) readBigInt() (any, error) {
	_, bitField, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: bigint bitfield", ErrMalformedVarint)
	}
	byteCount := bitField >> 1
	negative := bitField&1 == 1
	if int64(byteCount) > d.decoder.Remaining() {
		return nil, fmt.Errorf("%w: bigint length %d exceeds remaining bytes", ErrMalformedKey, byteCount)
	}
	if byteCount > 8 {
		_, data, err := d.decoder.ReadBytes(int(byteCount))
		if err != nil {
			return nil, fmt.Errorf("%w: bigint truncated", ErrMalformedKey)
		}
		sign := ""
		if negative {
			sign = "-"
		}
		return fmt.Sprintf("%s0x%x", sign, data), nil
	}
	var v uint64
	if byteCount > 0 {
		_, v, err = d.decoder.DecodeInt(int(byteCount))
		if err != nil {
			return nil, fmt.Errorf("%w: bigint truncated", ErrMalformedKey)
		}
	}
	if negative {
		return -int64(v), nil
	}
	return v, nil
}

func (d *V8Deserializer) readJSObject() (map[string]any, error) {
	obj := make(map[string]any)
	count, err := d.readJSObjectProperties(obj, V8EndJSObject)
	if err != nil {
		return nil, err
	}
	_, expected, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: object property count", ErrMalformedVarint)
	}
	if int(expected) != count {
		config.Verbosef("chromium: object declared %d properties, decoded %d", expected, count)
	}
	d.assignNextID(obj)
	return obj, nil
}

func (d *V8Deserializer) readJSObjectProperties(into map[string]any, endTag V8SerializationTag) (int, error) {
	count := 0
	for {
		tag, ok := d.peekTag()
		if !ok {
			return count, fmt.Errorf("%w: properties truncated before end tag", ErrMalformedKey)
		}
		if tag == endTag {
			d.decoder.DecodeUint8()
			return count, nil
		}

		keyValue, err := d.ReadObject()
		if err != nil {
			return count, err
		}
		var key string
		switch k := keyValue.(type) {
		case string:
			key = k
		case int64:
			key = fmt.Sprintf("%d", k)
		case uint64:
			key = fmt.Sprintf("%d", k)
		case float64:
			key = fmt.Sprintf("%g", k)
		default:
			return count, fmt.Errorf("%w: property key of type %T", ErrMalformedKey, keyValue)
		}

		value, err := d.ReadObject()
		if err != nil {
			return count, err
		}
		into[key] = value
		count++
	}
}

func (d *V8Deserializer) readDenseJSArray() (any, error) {
	length, err := d.readLengthChecked("dense array")
	if err != nil {
		return nil, err
	}
	arr := &JSArray{Values: make([]any, length), Properties: make(map[string]any)}
	for i := range arr.Values {
		if tag, ok := d.peekTag(); ok && tag == V8TheHole {
			d.decoder.DecodeUint8()
			continue
		}
		arr.Values[i], err = d.ReadObject()
		if err != nil {
			return nil, err
		}
	}
	propCount, err := d.readJSObjectProperties(arr.Properties, V8EndDenseJSArray)
	if err != nil {
		return nil, err
	}
	_, expectedProps, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: dense array property count", ErrMalformedVarint)
	}
	_, expectedLength, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: dense array length check", ErrMalformedVarint)
	}
	if int(expectedProps) != propCount || expectedLength != length {
		config.Verbosef("chromium: dense array declared %d/%d, decoded %d/%d",
			expectedProps, expectedLength, propCount, length)
	}
	d.assignNextID(arr)
	return arr, nil
}

func (d *V8Deserializer) readSparseJSArray() (any, error) {
	length, err := d.readLengthChecked("sparse array")
	if err != nil {
		return nil, err
	}
	arr := &JSArray{Values: make([]any, length), Properties: make(map[string]any)}
	propCount, err := d.readJSObjectProperties(arr.Properties, V8EndSparseJSArray)
	if err != nil {
		return nil, err
	}
	_, expectedProps, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: sparse array property count", ErrMalformedVarint)
	}
	_, expectedLength, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: sparse array length check", ErrMalformedVarint)
	}
	if int(expectedProps) != propCount || expectedLength != length {
		config.Verbosef("chromium: sparse array declared %d/%d, decoded %d/%d",
			expectedProps, expectedLength, propCount, length)
	}
	d.assignNextID(arr)
	return arr, nil
}

func (d *V8Deserializer) readJSMap() (any, error) {
	var entries []JSMapEntry
	for {
		tag, ok := d.peekTag()
		if !ok {
			return nil, fmt.Errorf("%w: map truncated before end tag", ErrMalformedKey)
		}
		if tag == V8EndJSMap {
			d.decoder.DecodeUint8()
			break
		}
		key, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		value, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		entries = append(entries, JSMapEntry{Key: key, Value: value})
	}
	_, expected, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: map entry count", ErrMalformedVarint)
	}
	if int(expected) != len(entries)*2 {
		config.Verbosef("chromium: map declared %d entries, decoded %d", expected, len(entries)*2)
	}
	d.assignNextID(entries)
	return entries, nil
}

func (d *V8Deserializer) readJSSet() (any, error) {
	var items []any
	for {
		tag, ok := d.peekTag()
		if !ok {
			return nil, fmt.Errorf("%w: set truncated before end tag", ErrMalformedKey)
		}
		if tag == V8EndJSSet {
			d.decoder.DecodeUint8()
			break
		}
		item, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	_, expected, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: set item count", ErrMalformedVarint)
	}
	if int(expected) != len(items) {
		config.Verbosef("chromium: set declared %d items, decoded %d", expected, len(items))
	}
	d.assignNextID(items)
	return items, nil
}

func (d *V8Deserializer) readJSRegExp() (any, error) {
	pattern, err := d.ReadObject()
	if err != nil {
		return nil, err
	}
	patternStr, ok := pattern.(string)
	if !ok {
		return nil, fmt.Errorf("%w: regexp pattern of type %T", ErrMalformedKey, pattern)
	}
	_, flags, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: regexp flags", ErrMalformedVarint)
	}
	re := &JSRegExp{Pattern: patternStr, Flags: flags}
	d.assignNextID(re)
	return re, nil
}

func (d *V8Deserializer) readJSArrayBuffer(resizable bool) (any, error) {
	byteLength, err := d.readLengthChecked("array buffer")
	if err != nil {
		return nil, err
	}
	if resizable {
		_, maxLength, err := d.decoder.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: resizable buffer max length", ErrMalformedVarint)
		}
		if byteLength > maxLength {
			return nil, fmt.Errorf("%w: buffer length %d exceeds max %d", ErrMalformedKey, byteLength, maxLength)
		}
	}
	var data []byte
	if byteLength > 0 {
		_, data, err = d.decoder.ReadBytes(int(byteLength))
		if err != nil {
			return nil, fmt.Errorf("%w: array buffer truncated", ErrMalformedKey)
		}
	}
	d.assignNextID(data)
	return data, nil
}

func (d *V8Deserializer) readJSArrayBufferView(buffer []byte) (*ArrayBufferView, error) {
	_, tag, err := d.decoder.DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: view type tag", ErrMalformedKey)
	}
	_, offset, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: view offset", ErrMalformedVarint)
	}
	_, length, err := d.decoder.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: view length", ErrMalformedVarint)
	}
	var flags uint64
	if d.version >= 14 {
		_, flags, err = d.decoder.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: view flags", ErrMalformedVarint)
		}
	}
	if offset > uint64(len(buffer)) || length > uint64(len(buffer))-offset {
		return nil, fmt.Errorf("%w: view at %d of %d bytes outside buffer of %d bytes", ErrMalformedKey, offset, length, len(buffer))
	}
	return &ArrayBufferView{
		Buffer: buffer[offset : offset+length],
		Tag:    tag,
		Offset: offset,
		Length: length,
		Flags:  flags,
	}, nil
}

func (d *V8Deserializer) readJSError() (any, error) {
	errObj := make(map[string]any)
	for _, field := range []string{"name", "message", "stack", "code"} {
		value, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		errObj[field] = value
	}
	if d.version >= 13 {
		options, err := d.ReadObject()
		if err != nil {
			return nil, err
		}
		errObj["options"] = options
	}
	d.assignNextID(errObj)
	return errObj, nil
}
