package chromium

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"chromium-storage-go/leveldb/common"
)

// maxKeyDepth bounds array key nesting. The format itself carries no limit,
// but input is adversarial.
const maxKeyDepth = 64

// KeyPrefix is the compound (database, object store, index) header that every
// IndexedDB key begins with. RawLength is the number of bytes the prefix
// occupied, including the header byte.
type KeyPrefix struct {
	DatabaseID    uint64 `json:"database_id"`
	ObjectStoreID uint64 `json:"object_store_id"`
	IndexID       uint64 `json:"index_id"`
	RawLength     int    `json:"-"`
}

// Type classifies the record addressed by this prefix.
func (kp KeyPrefix) Type() KeyPrefixType {
	if kp.DatabaseID == 0 {
		return GlobalMetadataPrefix
	}
	if kp.ObjectStoreID == 0 {
		return DatabaseMetadataPrefix
	}
	switch kp.IndexID {
	case ObjectStoreDataIndexID:
		return ObjectStoreDataPrefix
	case ExistsEntryIndexID:
		return ExistsEntryPrefix
	case BlobEntryIndexID:
		return BlobEntryPrefix
	}
	if kp.IndexID >= MinimumUserIndexID {
		return IndexDataPrefix
	}
	return InvalidPrefix
}

// minimalIDLength is the number of little-endian bytes needed to hold v.
// Zero still takes one byte.
func minimalIDLength(v uint64) int {
	n := 1
	for v > 0xff {
		n++
		v >>= 8
	}
	return n
}

func appendLittleEndianID(dst []byte, v uint64, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, byte(v))
		v >>= 8
	}
	return dst
}

// MakePrefix encodes a compound key prefix: one header byte packing the id
// byte lengths as (db-1)<<5 | (store-1)<<2 | (index-1), then each id
// little-endian at its minimal length, then any trailing bytes.
func MakePrefix(dbID, storeID, indexID uint64, trailing ...byte) ([]byte, error) {
	dbLen := minimalIDLength(dbID)
	storeLen := minimalIDLength(storeID)
	indexLen := minimalIDLength(indexID)

	if dbLen > 8 || storeLen > 8 || indexLen > 4 {
		return nil, fmt.Errorf("%w: id widths %d/%d/%d exceed 8/8/4 bytes", ErrMalformedPrefix, dbLen, storeLen, indexLen)
	}

	out := make([]byte, 0, 1+dbLen+storeLen+indexLen+len(trailing))
	out = append(out, byte((dbLen-1)<<5|(storeLen-1)<<2|(indexLen-1)))
	out = appendLittleEndianID(out, dbID, dbLen)
	out = appendLittleEndianID(out, storeID, storeLen)
	out = appendLittleEndianID(out, indexID, indexLen)
	out = append(out, trailing...)
	return out, nil
}

// ReadPrefix decodes a compound key prefix from the decoder's current
// position. It fails if the header's declared id lengths run past the end of
// the stream.
func ReadPrefix(decoder *common.LevelDBDecoder) (KeyPrefix, error) {
	_, header, err := decoder.DecodeUint8()
	if err != nil {
		return KeyPrefix{}, fmt.Errorf("%w: %v", ErrMalformedPrefix, err)
	}

	dbLen := int(header>>5&0x07) + 1
	storeLen := int(header>>2&0x07) + 1
	indexLen := int(header&0x03) + 1

	_, dbID, err := decoder.DecodeInt(dbLen)
	if err != nil {
		return KeyPrefix{}, fmt.Errorf("%w: database id truncated", ErrMalformedPrefix)
	}
	_, storeID, err := decoder.DecodeInt(storeLen)
	if err != nil {
		return KeyPrefix{}, fmt.Errorf("%w: object store id truncated", ErrMalformedPrefix)
	}
	_, indexID, err := decoder.DecodeInt(indexLen)
	if err != nil {
		return KeyPrefix{}, fmt.Errorf("%w: index id truncated", ErrMalformedPrefix)
	}

	return KeyPrefix{
		DatabaseID:    dbID,
		ObjectStoreID: storeID,
		IndexID:       indexID,
		RawLength:     1 + dbLen + storeLen + indexLen,
	}, nil
}

// IdbKey is a decoded IndexedDB key. RawKey holds exactly the encoded bytes
// the key consumed, so keys embedded in larger buffers slice cleanly and
// identity comparisons stay byte-exact.
type IdbKey struct {
	Type     IdbKeyType
	RawKey   []byte
	Text     string
	Number   float64
	Date     time.Time
	Binary   []byte
	Children []*IdbKey
}

// RawLength is the number of encoded bytes this key occupied.
func (k *IdbKey) RawLength() int { return len(k.RawKey) }

// Equal compares encoded bytes. Two keys whose decoded values coincide but
// whose encodings differ are not equal.
func (k *IdbKey) Equal(other *IdbKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.RawKey, other.RawKey)
}

// HashKey returns the raw encoding as a string, suitable as a map key.
func (k *IdbKey) HashKey() string { return string(k.RawKey) }

// Value returns the decoded value in a JSON-friendly shape.
func (k *IdbKey) Value() any {
	switch k.Type {
	case IdbKeyNull:
		return nil
	case IdbKeyString:
		return k.Text
	case IdbKeyDate:
		return k.Date
	case IdbKeyNumber:
		return k.Number
	case IdbKeyArray:
		values := make([]any, len(k.Children))
		for i, child := range k.Children {
			values[i] = child.Value()
		}
		return values
	case IdbKeyBinary:
		return k.Binary
	}
	return nil
}

func (k *IdbKey) String() string {
	return fmt.Sprintf("<IdbKey %s %v>", k.Type, k.Value())
}

// DecodeIdbKey decodes one key from the start of buf. Trailing bytes beyond
// the key's own encoding are ignored, never an error.
func DecodeIdbKey(buf []byte) (*IdbKey, error) {
	decoder := common.NewLevelDBDecoder(buf)
	return decodeIdbKey(decoder, buf, 0)
}

func decodeIdbKey(decoder *common.LevelDBDecoder, buf []byte, depth int) (*IdbKey, error) {
	if depth > maxKeyDepth {
		return nil, fmt.Errorf("%w: array nesting exceeds %d", ErrMalformedKey, maxKeyDepth)
	}

	start := decoder.Offset()
	_, typeByte, err := decoder.DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: empty key buffer", ErrMalformedKey)
	}

	key := &IdbKey{Type: IdbKeyType(typeByte)}
	switch key.Type {
	case IdbKeyNull:
		// Single byte, nothing further.

	case IdbKeyString:
		_, s, err := decoder.DecodeUTF16StringWithLengthBigEndian()
		if err != nil {
			return nil, keyDecodeError("string", err)
		}
		key.Text = s

	case IdbKeyDate:
		_, ms, err := decoder.DecodeDouble()
		if err != nil {
			return nil, keyDecodeError("date", err)
		}
		key.Number = ms
		key.Date = time.UnixMilli(0).Add(time.Duration(ms * float64(time.Millisecond))).UTC()

	case IdbKeyNumber:
		_, v, err := decoder.DecodeDouble()
		if err != nil {
			return nil, keyDecodeError("number", err)
		}
		key.Number = v

	case IdbKeyArray:
		_, count, err := decoder.DecodeVarint()
		if err != nil {
			return nil, keyDecodeError("array count", err)
		}
		for i := uint64(0); i < count; i++ {
			child, err := decodeIdbKey(decoder, buf, depth+1)
			if err != nil {
				return nil, err
			}
			key.Children = append(key.Children, child)
		}

	case IdbKeyMinKey:
		// The producing code never stores a value for MinKey; its meaning in
		// stored records is unresolved, so decoding fails rather than guesses.
		return nil, fmt.Errorf("%w: MinKey", ErrUnsupportedTag)

	case IdbKeyBinary:
		_, b, err := decoder.DecodeBlobWithLength()
		if err != nil {
			return nil, keyDecodeError("binary", err)
		}
		key.Binary = b

	default:
		return nil, fmt.Errorf("%w: unknown key type byte 0x%02x", ErrMalformedKey, typeByte)
	}

	key.RawKey = buf[start:decoder.Offset()]
	return key, nil
}

func keyDecodeError(what string, err error) error {
	if errors.Is(err, common.ErrVarintTooLong) {
		return fmt.Errorf("%w: %s length varint overlong", ErrMalformedVarint, what)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %s truncated", ErrMalformedKey, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformedKey, what, err)
}
