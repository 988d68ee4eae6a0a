package chromium

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"chromium-storage-go/leveldb/common"

	"github.com/golang/snappy"
)

// maxEnvelopeDepth bounds blob and snappy indirection while unwrapping a
// value envelope.
const maxEnvelopeDepth = 16

// IndexedDB is the decoded view over one backing store: the frozen metadata
// catalog plus the raw records it was built from. Construction scans the
// records once; all later lookups are in-memory.
type IndexedDB struct {
	records   []common.RawRecord
	Global    *GlobalMetadata
	Databases *DatabaseMetadata
	Stores    *ObjectStoreMetadata

	blobDir     string
	blobCache   map[blobCacheKey]ExternalObjectDescriptor
	blobScanned map[blobStoreKey]bool
}

// NewIndexedDB builds the metadata catalog from the given raw records.
// blobDir may be empty when the store has no blob sidecar directory.
func NewIndexedDB(records []common.RawRecord, blobDir string) (*IndexedDB, error) {
	global, dbMeta, storeMeta, err := buildCatalog(records)
	if err != nil {
		return nil, err
	}
	return &IndexedDB{
		records:     records,
		Global:      global,
		Databases:   dbMeta,
		Stores:      storeMeta,
		blobDir:     blobDir,
		blobCache:   make(map[blobCacheKey]ExternalObjectDescriptor),
		blobScanned: make(map[blobStoreKey]bool),
	}, nil
}

// IndexedDBRecord is one materialized object store record. It is handed to
// the caller and never retained by the decoder.
type IndexedDBRecord struct {
	DatabaseID        uint64        `json:"database_id"`
	ObjectStoreID     uint64        `json:"object_store_id"`
	Key               *IdbKey       `json:"key"`
	Value             any           `json:"value"`
	IsLive            bool          `json:"is_live"`
	Sequence          uint64        `json:"sequence"`
	BlinkVersion      uint64        `json:"blink_version,omitempty"`
	Trailer           *BlinkTrailer `json:"trailer,omitempty"`
	ExternalValuePath string        `json:"external_value_path,omitempty"`
	OriginFile        string        `json:"origin_file,omitempty"`
}

// BadRecordHandler is invoked for each record that fails to materialize. The
// iterator then skips the record instead of halting.
type BadRecordHandler func(key *IdbKey, rawValue []byte, err error)

// IterateOptions configure one store iteration.
type IterateOptions struct {
	// LiveOnly drops tombstoned revisions instead of yielding them.
	LiveOnly bool
	// OnBadRecord, when set, turns per-record decode failures into skips.
	OnBadRecord BadRecordHandler
}

// StoreIterator walks one object store's records lazily. It is finite and
// non-restartable. Attempted, Materialized and Skipped are maintained so a
// caller can always account for records that did not decode.
type StoreIterator struct {
	db      *IndexedDB
	dbID    uint64
	storeID uint64
	prefix  []byte
	opts    IterateOptions

	pos          int
	err          error
	attempted    int
	materialized int
	skipped      int
}

// IterateStore returns an iterator over the records of one object store.
func (db *IndexedDB) IterateStore(dbID, storeID uint64, opts IterateOptions) (*StoreIterator, error) {
	prefix, err := MakePrefix(dbID, storeID, ObjectStoreDataIndexID)
	if err != nil {
		return nil, err
	}
	return &StoreIterator{
		db:      db,
		dbID:    dbID,
		storeID: storeID,
		prefix:  prefix,
		opts:    opts,
	}, nil
}

// Attempted is the number of records whose key matched the store and whose
// materialization was attempted.
func (it *StoreIterator) Attempted() int { return it.attempted }

// Materialized is the number of records successfully yielded.
func (it *StoreIterator) Materialized() int { return it.materialized }

// Skipped is the number of records dropped through the bad record handler.
// Attempted == Materialized + Skipped once iteration finishes cleanly.
func (it *StoreIterator) Skipped() int { return it.skipped }

// Next returns the next materialized record, or io.EOF when the store is
// exhausted. Without a bad record handler, a decode failure halts iteration
// and is returned here.
func (it *StoreIterator) Next() (*IndexedDBRecord, error) {
	if it.err != nil {
		return nil, it.err
	}

	for ; it.pos < len(it.db.records); it.pos++ {
		rec := it.db.records[it.pos]
		if !bytes.HasPrefix(rec.Key, it.prefix) {
			continue
		}
		isLive := rec.State == common.KeyStateLive
		if it.opts.LiveOnly && !isLive {
			continue
		}
		it.attempted++

		out, err := it.materialize(rec, isLive)
		if err != nil {
			if it.opts.OnBadRecord != nil {
				it.skipped++
				it.opts.OnBadRecord(keyForHandler(rec.Key[len(it.prefix):]), rec.Value, err)
				continue
			}
			it.err = err
			return nil, err
		}
		it.pos++
		it.materialized++
		return out, nil
	}

	it.err = io.EOF
	return nil, io.EOF
}

// keyForHandler decodes the key for error reporting, tolerating failure.
func keyForHandler(rawKey []byte) *IdbKey {
	key, err := DecodeIdbKey(rawKey)
	if err != nil {
		return nil
	}
	return key
}

func (it *StoreIterator) materialize(rec common.RawRecord, isLive bool) (*IndexedDBRecord, error) {
	key, err := DecodeIdbKey(rec.Key[len(it.prefix):])
	if err != nil {
		return nil, err
	}

	out := &IndexedDBRecord{
		DatabaseID:    it.dbID,
		ObjectStoreID: it.storeID,
		Key:           key,
		IsLive:        isLive,
		Sequence:      rec.Seq,
		OriginFile:    rec.OriginFile,
	}

	// An empty value is a record in its own right, typically a tombstoned
	// revision whose payload is gone.
	if len(rec.Value) == 0 {
		return out, nil
	}

	decoder := common.NewLevelDBDecoder(rec.Value)
	if _, _, err := decoder.DecodeVarint(); err != nil {
		return nil, fmt.Errorf("%w: backing store version", ErrMalformedVarint)
	}

	payload, envelope, err := it.db.unwrapEnvelope(it.dbID, it.storeID, key, decoder.RemainingBytes(), 0)
	if err != nil {
		return nil, err
	}
	out.BlinkVersion = envelope.blinkVersion
	out.Trailer = envelope.trailer
	out.ExternalValuePath = envelope.externalPath

	deserializer := NewV8Deserializer(payload, NewBlinkDeserializer())
	if err := deserializer.ReadHeader(); err != nil {
		return nil, err
	}
	out.Value, err = deserializer.ReadObject()
	if err != nil {
		return nil, err
	}
	return out, nil
}

type envelopeInfo struct {
	blinkVersion uint64
	trailer      *BlinkTrailer
	externalPath string
}

// unwrapEnvelope strips the engine envelope from a value buffer: the version
// tag and varint, then either the external blob indirection, snappy
// decompression, or the optional trailer, leaving the serialized payload.
func (db *IndexedDB) unwrapEnvelope(dbID, storeID uint64, key *IdbKey, buffer []byte, depth int) ([]byte, envelopeInfo, error) {
	var info envelopeInfo
	if depth > maxEnvelopeDepth {
		return nil, info, fmt.Errorf("%w: envelope indirection exceeds %d levels", ErrMalformedKey, maxEnvelopeDepth)
	}

	decoder := common.NewLevelDBDecoder(buffer)
	_, tag, err := decoder.DecodeUint8()
	if err != nil {
		return nil, info, fmt.Errorf("%w: empty value envelope", ErrMalformedKey)
	}
	if tag != BlinkVersionTag {
		return nil, info, fmt.Errorf("%w: expected envelope version tag 0xFF, got 0x%02x", ErrMalformedKey, tag)
	}
	_, version, err := decoder.DecodeVarint()
	if err != nil {
		return nil, info, fmt.Errorf("%w: envelope version", ErrMalformedVarint)
	}
	info.blinkVersion = version

	if version == uint64(RequiresProcessingSSVPseudoVersion) {
		_, marker, err := decoder.DecodeUint8()
		if err != nil {
			return nil, info, fmt.Errorf("%w: processing marker missing", ErrMalformedKey)
		}
		switch marker {
		case ReplaceWithBlobMarker:
			_, _, err := decoder.DecodeVarint() // serialized size, unused
			if err != nil {
				return nil, info, fmt.Errorf("%w: external blob size", ErrMalformedVarint)
			}
			_, blobIndex, err := decoder.DecodeVarint()
			if err != nil {
				return nil, info, fmt.Errorf("%w: external blob index", ErrMalformedVarint)
			}
			content, desc, err := db.readBlob(dbID, storeID, key.RawKey, int(blobIndex))
			if err != nil {
				return nil, info, err
			}
			payload, inner, err := db.unwrapEnvelope(dbID, storeID, key, content, depth+1)
			if err != nil {
				return nil, info, err
			}
			inner.externalPath = blobRelativePath(dbID, desc.BlobNumber)
			return payload, inner, nil

		case CompressedWithSnappyMarker:
			decompressed, err := snappy.Decode(nil, decoder.RemainingBytes())
			if err != nil {
				return nil, info, fmt.Errorf("%w: snappy payload: %v", ErrMalformedKey, err)
			}
			return db.unwrapEnvelope(dbID, storeID, key, decompressed, depth+1)
		}
		return nil, info, fmt.Errorf("%w: value processing marker 0x%02x", ErrUnsupportedTag, marker)
	}

	if version >= minWireFormatVersionForTrailer {
		trailer, err := readTrailer(decoder)
		if err != nil {
			return nil, info, err
		}
		info.trailer = trailer
	}

	return decoder.RemainingBytes(), info, nil
}

// readTrailer parses the fixed 13-byte trailer descriptor. It is currently
// informational and never gates value boundaries.
func readTrailer(decoder *common.LevelDBDecoder) (*BlinkTrailer, error) {
	_, tag, err := decoder.DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer missing", ErrMalformedKey)
	}
	if tag != BlinkTrailerTag {
		return nil, fmt.Errorf("%w: expected trailer tag 0xFE, got 0x%02x", ErrMalformedKey, tag)
	}
	_, offset, err := decoder.DecodeUint64BE()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer offset truncated", ErrMalformedKey)
	}
	_, length, err := decoder.DecodeUint32BE()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer length truncated", ErrMalformedKey)
	}
	return &BlinkTrailer{Offset: offset, Length: length}, nil
}

// CollectStore materializes a whole store eagerly, which is what the CLI and
// tests mostly want. The iterator remains the API for streaming use.
func (db *IndexedDB) CollectStore(dbID, storeID uint64, opts IterateOptions) ([]*IndexedDBRecord, *StoreIterator, error) {
	it, err := db.IterateStore(dbID, storeID, opts)
	if err != nil {
		return nil, nil, err
	}
	var out []*IndexedDBRecord
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out, it, nil
		}
		if err != nil {
			return out, it, err
		}
		out = append(out, rec)
	}
}
