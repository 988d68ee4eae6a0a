package chromium

// KeyPrefixType classifies a record by the ids in its key prefix.
type KeyPrefixType int

const (
	GlobalMetadataPrefix   KeyPrefixType = 0
	DatabaseMetadataPrefix KeyPrefixType = 1
	ObjectStoreDataPrefix  KeyPrefixType = 2
	ExistsEntryPrefix      KeyPrefixType = 3
	BlobEntryPrefix        KeyPrefixType = 4
	IndexDataPrefix        KeyPrefixType = 5
	InvalidPrefix          KeyPrefixType = 6
)

func (t KeyPrefixType) String() string {
	switch t {
	case GlobalMetadataPrefix:
		return "GlobalMetadata"
	case DatabaseMetadataPrefix:
		return "DatabaseMetadata"
	case ObjectStoreDataPrefix:
		return "ObjectStoreData"
	case ExistsEntryPrefix:
		return "ExistsEntry"
	case BlobEntryPrefix:
		return "BlobEntry"
	case IndexDataPrefix:
		return "IndexData"
	}
	return "Invalid"
}

// Index ids with reserved meaning inside an object store's key space.
const (
	ObjectStoreDataIndexID uint64 = 1
	ExistsEntryIndexID     uint64 = 2
	BlobEntryIndexID       uint64 = 3
	MinimumUserIndexID     uint64 = 30
)

// GlobalMetadataKeyType is the tag byte following the four-zero global prefix.
type GlobalMetadataKeyType byte

const (
	SchemaVersionKey          GlobalMetadataKeyType = 0
	MaxDatabaseIDKey          GlobalMetadataKeyType = 1
	DataVersionKey            GlobalMetadataKeyType = 2
	RecoveryBlobJournalKey    GlobalMetadataKeyType = 3
	ActiveBlobJournalKey      GlobalMetadataKeyType = 4
	EarliestSweepKey          GlobalMetadataKeyType = 5
	EarliestCompactionTimeKey GlobalMetadataKeyType = 6
	ScopesPrefixKey           GlobalMetadataKeyType = 50
	DatabaseFreeListKey       GlobalMetadataKeyType = 100
	DatabaseNameKey           GlobalMetadataKeyType = 201
)

// DatabaseMetadataKeyType is the tag byte following a database metadata prefix.
type DatabaseMetadataKeyType byte

const (
	OriginNameKey                       DatabaseMetadataKeyType = 0
	DatabaseNameMetaKey                 DatabaseMetadataKeyType = 1
	IDBStringVersionKey                 DatabaseMetadataKeyType = 2
	MaximumObjectStoreIDKey             DatabaseMetadataKeyType = 3
	IDBIntegerVersionKey                DatabaseMetadataKeyType = 4
	BlobNumberGeneratorCurrentNumberKey DatabaseMetadataKeyType = 5
	ObjectStoreMetaDataKey              DatabaseMetadataKeyType = 50
	IndexMetaDataKey                    DatabaseMetadataKeyType = 100
	ObjectStoreFreeListKey              DatabaseMetadataKeyType = 150
	IndexFreeListKey                    DatabaseMetadataKeyType = 151
	ObjectStoreNamesKey                 DatabaseMetadataKeyType = 200
	IndexNamesKey                       DatabaseMetadataKeyType = 201
)

// ObjectStoreMetadataKeyType is the tag byte following the store id in an
// object store metadata key.
type ObjectStoreMetadataKeyType byte

const (
	StoreNameKey                 ObjectStoreMetadataKeyType = 0
	KeyPathKey                   ObjectStoreMetadataKeyType = 1
	AutoIncrementFlagKey         ObjectStoreMetadataKeyType = 2
	IsEvictableKey               ObjectStoreMetadataKeyType = 3
	LastVersionNumberKey         ObjectStoreMetadataKeyType = 4
	MaximumAllocatedIndexIDKey   ObjectStoreMetadataKeyType = 5
	HasKeyPathFlagKey            ObjectStoreMetadataKeyType = 6
	KeyGeneratorCurrentNumberKey ObjectStoreMetadataKeyType = 7
)

// IdbKeyType is the leading byte of an encoded IndexedDB key.
type IdbKeyType byte

const (
	IdbKeyNull   IdbKeyType = 0
	IdbKeyString IdbKeyType = 1
	IdbKeyDate   IdbKeyType = 2
	IdbKeyNumber IdbKeyType = 3
	IdbKeyArray  IdbKeyType = 4
	IdbKeyMinKey IdbKeyType = 5
	IdbKeyBinary IdbKeyType = 6
)

func (t IdbKeyType) String() string {
	switch t {
	case IdbKeyNull:
		return "null"
	case IdbKeyString:
		return "string"
	case IdbKeyDate:
		return "date"
	case IdbKeyNumber:
		return "number"
	case IdbKeyArray:
		return "array"
	case IdbKeyMinKey:
		return "min_key"
	case IdbKeyBinary:
		return "binary"
	}
	return "unknown"
}

// Value envelope markers, from
// third_party/blink/renderer/modules/indexeddb/idb_value_wrapping.cc.
const (
	BlinkVersionTag                    byte = 0xFF
	BlinkTrailerTag                    byte = 0xFE
	RequiresProcessingSSVPseudoVersion byte = 0x11
	ReplaceWithBlobMarker              byte = 0x01
	CompressedWithSnappyMarker         byte = 0x02
)

// BlinkTrailer is the 13-byte wire format trailer introduced in version 21.
// It is parsed for completeness but nothing currently gates on it.
type BlinkTrailer struct {
	Offset uint64 `json:"offset"`
	Length uint32 `json:"length"`
}

const (
	blinkTrailerSize               = 13
	minWireFormatVersionForTrailer = 21
)

// ExternalObjectKind is the leading byte of an external object descriptor.
type ExternalObjectKind byte

const (
	ExternalBlob ExternalObjectKind = 0
	ExternalFile ExternalObjectKind = 1
)

func (k ExternalObjectKind) String() string {
	switch k {
	case ExternalBlob:
		return "blob"
	case ExternalFile:
		return "file"
	}
	return "unsupported"
}
