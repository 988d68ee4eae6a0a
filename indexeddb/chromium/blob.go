package chromium

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"chromium-storage-go/leveldb/common"
)

// windowsEpoch is the origin of file timestamps in these records.
var windowsEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// timeFromMicros converts microseconds since the Windows epoch. The seconds
// are split off first so the nanosecond duration cannot overflow.
func timeFromMicros(micros uint64) time.Time {
	return windowsEpoch.Add(time.Duration(micros/1e6)*time.Second + time.Duration(micros%1e6)*time.Microsecond)
}

// ExternalObjectDescriptor describes one value (or part of one) stored outside
// the main record, in the blob directory.
type ExternalObjectDescriptor struct {
	Kind         ExternalObjectKind `json:"kind"`
	BlobNumber   uint64             `json:"blob_number"`
	MimeType     string             `json:"mime_type"`
	Size         uint64             `json:"size"`
	FileName     string             `json:"file_name,omitempty"`
	LastModified time.Time          `json:"last_modified,omitzero"`
}

// decodeExternalObjects parses the concatenated descriptor structures in a
// blob entry value, left to right, until the buffer is exhausted.
func decodeExternalObjects(value []byte) ([]ExternalObjectDescriptor, error) {
	decoder := common.NewLevelDBDecoder(value)
	var out []ExternalObjectDescriptor
	for decoder.Remaining() > 0 {
		desc, err := decodeExternalObject(decoder)
		if err != nil {
			return out, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func decodeExternalObject(decoder *common.LevelDBDecoder) (ExternalObjectDescriptor, error) {
	_, kindByte, err := decoder.DecodeUint8()
	if err != nil {
		return ExternalObjectDescriptor{}, fmt.Errorf("%w: descriptor kind byte missing", ErrMalformedKey)
	}
	kind := ExternalObjectKind(kindByte)
	if kind != ExternalBlob && kind != ExternalFile {
		return ExternalObjectDescriptor{}, fmt.Errorf("%w: external object kind %d", ErrUnsupportedTag, kindByte)
	}

	desc := ExternalObjectDescriptor{Kind: kind}
	_, desc.BlobNumber, err = decoder.DecodeVarint()
	if err != nil {
		return desc, fmt.Errorf("%w: blob number", ErrMalformedVarint)
	}
	_, mime, err := decoder.DecodeBlobWithLength()
	if err != nil {
		return desc, fmt.Errorf("%w: mime type truncated", ErrMalformedKey)
	}
	desc.MimeType = string(mime)
	_, desc.Size, err = decoder.DecodeVarint()
	if err != nil {
		return desc, fmt.Errorf("%w: size", ErrMalformedVarint)
	}

	if kind == ExternalFile {
		_, name, err := decoder.DecodeBlobWithLength()
		if err != nil {
			return desc, fmt.Errorf("%w: file name truncated", ErrMalformedKey)
		}
		desc.FileName = string(name)
		_, micros, err := decoder.DecodeVarint()
		if err != nil {
			return desc, fmt.Errorf("%w: last modified", ErrMalformedVarint)
		}
		desc.LastModified = timeFromMicros(micros)
	}
	return desc, nil
}

// blobRelativePath is the layout of a blob inside the blob directory:
// {db id:hex}/{top 16 bits of blob number:2-digit hex}/{blob number:hex}.
func blobRelativePath(dbID uint64, blobNumber uint64) string {
	return filepath.Join(
		fmt.Sprintf("%x", dbID),
		fmt.Sprintf("%02x", blobNumber>>8),
		fmt.Sprintf("%x", blobNumber),
	)
}

type blobCacheKey struct {
	dbID    uint64
	storeID uint64
	rawKey  string
	index   int
}

type blobStoreKey struct {
	dbID    uint64
	storeID uint64
}

// BlobInfo resolves the descriptor for the index-th external object attached
// to the record with the given raw key. Descriptors for a whole store are
// parsed and memoized on first use.
func (db *IndexedDB) BlobInfo(dbID, storeID uint64, rawKey []byte, index int) (ExternalObjectDescriptor, error) {
	cacheKey := blobCacheKey{dbID, storeID, string(rawKey), index}
	if desc, ok := db.blobCache[cacheKey]; ok {
		return desc, nil
	}

	storeKey := blobStoreKey{dbID, storeID}
	if !db.blobScanned[storeKey] {
		if err := db.scanBlobEntries(dbID, storeID); err != nil {
			return ExternalObjectDescriptor{}, err
		}
		db.blobScanned[storeKey] = true
	}

	if desc, ok := db.blobCache[cacheKey]; ok {
		return desc, nil
	}
	return ExternalObjectDescriptor{}, fmt.Errorf("%w: db %d store %d index %d", ErrUnresolvedBlob, dbID, storeID, index)
}

func (db *IndexedDB) scanBlobEntries(dbID, storeID uint64) error {
	prefix, err := MakePrefix(dbID, storeID, BlobEntryIndexID)
	if err != nil {
		return err
	}
	for _, rec := range db.records {
		if !bytes.HasPrefix(rec.UserKey, prefix) {
			continue
		}
		owningKey := rec.UserKey[len(prefix):]
		descs, err := decodeExternalObjects(rec.Value)
		for i, desc := range descs {
			db.blobCache[blobCacheKey{dbID, storeID, string(owningKey), i}] = desc
		}
		if err != nil {
			return fmt.Errorf("blob entry for key %s: %w", common.BytesToEscapedString(owningKey), err)
		}
	}
	return nil
}

// OpenBlob resolves the descriptor and opens its backing file from the blob
// directory. A file that has been removed from disk yields ErrBlobFileMissing,
// which is a different condition from the descriptor itself being absent.
func (db *IndexedDB) OpenBlob(dbID, storeID uint64, rawKey []byte, index int) (*os.File, ExternalObjectDescriptor, error) {
	if db.blobDir == "" {
		return nil, ExternalObjectDescriptor{}, fmt.Errorf("blob directory not configured")
	}
	desc, err := db.BlobInfo(dbID, storeID, rawKey, index)
	if err != nil {
		return nil, desc, err
	}

	path := filepath.Join(db.blobDir, blobRelativePath(dbID, desc.BlobNumber))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, desc, fmt.Errorf("%w: %s", ErrBlobFileMissing, path)
		}
		return nil, desc, err
	}
	return f, desc, nil
}

// readBlob reads the full content of an external object.
func (db *IndexedDB) readBlob(dbID, storeID uint64, rawKey []byte, index int) ([]byte, ExternalObjectDescriptor, error) {
	f, desc, err := db.OpenBlob(dbID, storeID, rawKey, index)
	if err != nil {
		return nil, desc, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, desc, err
}
