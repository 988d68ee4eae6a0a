package chromium

import (
	"bytes"
	"fmt"
	"sort"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"
)

// DatabaseID names one database found in the global metadata directory.
type DatabaseID struct {
	Number uint64 `json:"number"`
	Origin string `json:"origin"`
	Name   string `json:"name"`
}

// GlobalMetadata is the store-wide directory: schema versions plus the set of
// databases. Built once, never mutated afterwards.
type GlobalMetadata struct {
	SchemaVersion *uint64
	MaxDatabaseID *uint64
	DatabaseIDs   []DatabaseID

	raw map[string]common.RawRecord
}

// Raw returns the newest live record for an arbitrary global metadata key, so
// field tags this package does not decode are still reachable.
func (g *GlobalMetadata) Raw(key []byte) (common.RawRecord, bool) {
	rec, ok := g.raw[string(key)]
	return rec, ok
}

type dbMetaKey struct {
	dbID uint64
	tag  DatabaseMetadataKeyType
}

type storeMetaKey struct {
	dbID    uint64
	storeID uint64
	tag     ObjectStoreMetadataKeyType
}

// DatabaseMetadata holds per-database metadata fields keyed by (db id, tag).
// Values decode lazily through typed accessors; unknown tags stay retained.
type DatabaseMetadata struct {
	metas map[dbMetaKey]common.RawRecord
}

// Raw returns the newest live record for the given field, undecoded.
func (m *DatabaseMetadata) Raw(dbID uint64, tag DatabaseMetadataKeyType) (common.RawRecord, bool) {
	rec, ok := m.metas[dbMetaKey{dbID, tag}]
	return rec, ok
}

// MaximumObjectStoreID decodes the highest object store id ever allocated in
// the database. The second return is false when the field is absent.
func (m *DatabaseMetadata) MaximumObjectStoreID(dbID uint64) (uint64, bool) {
	rec, ok := m.Raw(dbID, MaximumObjectStoreIDKey)
	if !ok || len(rec.Value) == 0 {
		return 0, false
	}
	decoder := common.NewLevelDBDecoder(rec.Value)
	_, v, err := decoder.DecodeInt(len(rec.Value))
	if err != nil {
		return 0, false
	}
	return v, true
}

// IDBVersion decodes the database's integer version varint.
func (m *DatabaseMetadata) IDBVersion(dbID uint64) (uint64, bool) {
	rec, ok := m.Raw(dbID, IDBIntegerVersionKey)
	if !ok || len(rec.Value) == 0 {
		return 0, false
	}
	decoder := common.NewLevelDBDecoder(rec.Value)
	_, v, err := decoder.DecodeVarint()
	if err != nil {
		return 0, false
	}
	return v, true
}

// ObjectStoreMetadata holds per-store metadata keyed by (db id, store id, tag).
type ObjectStoreMetadata struct {
	metas map[storeMetaKey]common.RawRecord
}

// Raw returns the newest live record for the given field, undecoded.
func (m *ObjectStoreMetadata) Raw(dbID, storeID uint64, tag ObjectStoreMetadataKeyType) (common.RawRecord, bool) {
	rec, ok := m.metas[storeMetaKey{dbID, storeID, tag}]
	return rec, ok
}

// StoreName decodes the object store's name. The whole value is big-endian
// UTF-16 with no length prefix.
func (m *ObjectStoreMetadata) StoreName(dbID, storeID uint64) (string, bool) {
	rec, ok := m.Raw(dbID, storeID, StoreNameKey)
	if !ok {
		return "", false
	}
	name, err := common.DecodeUTF16BE(rec.Value)
	if err != nil {
		return "", false
	}
	return name, true
}

// KeyGeneratorCurrentNumber decodes the store's key generator state.
func (m *ObjectStoreMetadata) KeyGeneratorCurrentNumber(dbID, storeID uint64) (uint64, bool) {
	rec, ok := m.Raw(dbID, storeID, KeyGeneratorCurrentNumberKey)
	if !ok || len(rec.Value) == 0 {
		return 0, false
	}
	decoder := common.NewLevelDBDecoder(rec.Value)
	_, v, err := decoder.DecodeInt(len(rec.Value))
	if err != nil {
		return 0, false
	}
	return v, true
}

var globalMetadataPrefix = []byte{0, 0, 0, 0}

// buildCatalog makes a single pass over the raw records, keeping the newest
// live revision of every metadata key. Typed decoding happens later in the
// accessors, so field tags this package does not know survive the scan.
func buildCatalog(records []common.RawRecord) (*GlobalMetadata, *DatabaseMetadata, *ObjectStoreMetadata, error) {
	globalRaw := make(map[string]common.RawRecord)
	dbRaw := make(map[dbMetaKey]common.RawRecord)
	storeRaw := make(map[storeMetaKey]common.RawRecord)

	keep := func(existing common.RawRecord, exists bool, candidate common.RawRecord) bool {
		return !exists || existing.Seq < candidate.Seq
	}

	for _, rec := range records {
		if rec.State != common.KeyStateLive {
			continue
		}

		if bytes.HasPrefix(rec.Key, globalMetadataPrefix) {
			k := string(rec.Key)
			if old, ok := globalRaw[k]; keep(old, ok, rec) {
				globalRaw[k] = rec
			}
			continue
		}

		decoder := common.NewLevelDBDecoder(rec.Key)
		prefix, err := ReadPrefix(decoder)
		if err != nil {
			config.Verbosef("chromium: skipping record with undecodable prefix: %v", err)
			continue
		}
		if prefix.Type() != DatabaseMetadataPrefix {
			continue
		}
		rest := rec.Key[prefix.RawLength:]
		if len(rest) == 0 {
			continue
		}

		tag := DatabaseMetadataKeyType(rest[0])
		if tag == ObjectStoreMetaDataKey {
			sub := common.NewLevelDBDecoder(rest[1:])
			_, storeID, err := sub.DecodeVarint()
			if err != nil {
				config.Verbosef("chromium: skipping store metadata key with bad store id varint: %v", err)
				continue
			}
			_, storeTag, err := sub.DecodeUint8()
			if err != nil {
				config.Verbosef("chromium: skipping store metadata key with missing tag byte")
				continue
			}
			k := storeMetaKey{prefix.DatabaseID, storeID, ObjectStoreMetadataKeyType(storeTag)}
			if old, ok := storeRaw[k]; keep(old, ok, rec) {
				storeRaw[k] = rec
			}
			continue
		}

		k := dbMetaKey{prefix.DatabaseID, tag}
		if old, ok := dbRaw[k]; keep(old, ok, rec) {
			dbRaw[k] = rec
		}
	}

	global, err := buildGlobalMetadata(globalRaw)
	if err != nil {
		return nil, nil, nil, err
	}
	return global, &DatabaseMetadata{metas: dbRaw}, &ObjectStoreMetadata{metas: storeRaw}, nil
}

func buildGlobalMetadata(raw map[string]common.RawRecord) (*GlobalMetadata, error) {
	g := &GlobalMetadata{raw: raw}

	if rec, ok := raw[string(append(append([]byte{}, globalMetadataPrefix...), byte(SchemaVersionKey)))]; ok {
		decoder := common.NewLevelDBDecoder(rec.Value)
		if _, v, err := decoder.DecodeVarint(); err == nil {
			g.SchemaVersion = &v
		}
	}
	if rec, ok := raw[string(append(append([]byte{}, globalMetadataPrefix...), byte(MaxDatabaseIDKey)))]; ok {
		decoder := common.NewLevelDBDecoder(rec.Value)
		if _, v, err := decoder.DecodeVarint(); err == nil {
			g.MaxDatabaseID = &v
		}
	}

	byNumber := make(map[uint64]DatabaseID)
	byName := make(map[string]DatabaseID)
	for k, rec := range raw {
		if len(k) < 5 || GlobalMetadataKeyType(k[4]) != DatabaseNameKey {
			continue
		}

		decoder := common.NewLevelDBDecoder(rec.Key[5:])
		_, origin, err := decoder.DecodeUTF16StringWithLengthBigEndian()
		if err != nil {
			return nil, fmt.Errorf("%w: database directory key has undecodable origin: %v", ErrInconsistentMetadata, err)
		}
		_, name, err := decoder.DecodeUTF16StringWithLengthBigEndian()
		if err != nil {
			return nil, fmt.Errorf("%w: database directory key has undecodable name: %v", ErrInconsistentMetadata, err)
		}
		if len(rec.Value) == 0 {
			return nil, fmt.Errorf("%w: database %q at %q has empty id value", ErrInconsistentMetadata, name, origin)
		}
		valueDecoder := common.NewLevelDBDecoder(rec.Value)
		_, number, err := valueDecoder.DecodeInt(len(rec.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: database %q at %q has undecodable id: %v", ErrInconsistentMetadata, name, origin, err)
		}

		id := DatabaseID{Number: number, Origin: origin, Name: name}
		nameKey := origin + "\x00" + name
		if prev, ok := byNumber[number]; ok && prev != id {
			return nil, fmt.Errorf("%w: database id %d defined as %q/%q and %q/%q",
				ErrInconsistentMetadata, number, prev.Origin, prev.Name, origin, name)
		}
		if prev, ok := byName[nameKey]; ok && prev != id {
			return nil, fmt.Errorf("%w: database %q at %q assigned ids %d and %d",
				ErrInconsistentMetadata, name, origin, prev.Number, number)
		}
		byNumber[number] = id
		byName[nameKey] = id
	}

	for _, id := range byNumber {
		g.DatabaseIDs = append(g.DatabaseIDs, id)
	}
	sort.Slice(g.DatabaseIDs, func(i, j int) bool {
		return g.DatabaseIDs[i].Number < g.DatabaseIDs[j].Number
	})
	return g, nil
}
