// Package indexeddb exposes a name and id addressable view over a Chromium
// IndexedDB backing store.
package indexeddb

import (
	"fmt"

	"chromium-storage-go/indexeddb/chromium"
	"chromium-storage-go/leveldb/db"
)

// DB wraps one opened backing store.
type DB struct {
	raw *chromium.IndexedDB
}

// Open reads every record in the LevelDB directory and builds the metadata
// catalog. blobDir is the sidecar blob directory (usually named *.blob next
// to the *.leveldb directory); it may be empty when absent.
func Open(dir, blobDir string) (*DB, error) {
	reader, err := db.NewFolderReader(dir)
	if err != nil {
		return nil, err
	}
	records, err := reader.GetRawRecords()
	if err != nil {
		return nil, fmt.Errorf("could not read leveldb records: %w", err)
	}
	raw, err := chromium.NewIndexedDB(records, blobDir)
	if err != nil {
		return nil, err
	}
	return &DB{raw: raw}, nil
}

// NewFromRecords builds a DB over records obtained elsewhere, such as tests
// or a caller with its own LevelDB reader.
func NewFromRecords(raw *chromium.IndexedDB) *DB {
	return &DB{raw: raw}
}

// Raw exposes the underlying decoder for callers that need prefix-level
// access.
func (d *DB) Raw() *chromium.IndexedDB { return d.raw }

// Databases lists every database in the store's global directory.
func (d *DB) Databases() []*Database {
	ids := d.raw.Global.DatabaseIDs
	out := make([]*Database, 0, len(ids))
	for _, id := range ids {
		out = append(out, &Database{owner: d, id: id})
	}
	return out
}

// DatabaseByID looks a database up by its allocated number.
func (d *DB) DatabaseByID(number uint64) (*Database, error) {
	for _, id := range d.raw.Global.DatabaseIDs {
		if id.Number == number {
			return &Database{owner: d, id: id}, nil
		}
	}
	return nil, fmt.Errorf("no database with id %d", number)
}

// DatabaseByName looks a database up by name. origin may be empty when only
// one origin shares the physical store; with multiple matches it is required
// to disambiguate.
func (d *DB) DatabaseByName(name, origin string) (*Database, error) {
	var matches []chromium.DatabaseID
	for _, id := range d.raw.Global.DatabaseIDs {
		if id.Name != name {
			continue
		}
		if origin != "" && id.Origin != origin {
			continue
		}
		matches = append(matches, id)
	}
	switch len(matches) {
	case 0:
		if origin != "" {
			return nil, fmt.Errorf("no database named %q for origin %q", name, origin)
		}
		return nil, fmt.Errorf("no database named %q", name)
	case 1:
		return &Database{owner: d, id: matches[0]}, nil
	}
	return nil, fmt.Errorf("database name %q is ambiguous across %d origins, specify an origin", name, len(matches))
}

// Database is one IndexedDB database within the store.
type Database struct {
	owner *DB
	id    chromium.DatabaseID
}

func (db *Database) Name() string   { return db.id.Name }
func (db *Database) Origin() string { return db.id.Origin }
func (db *Database) Number() uint64 { return db.id.Number }

// ObjectStoreCount is the maximum object store id ever allocated. Deleted
// stores are not renumbered, so ids up to this count may be absent.
func (db *Database) ObjectStoreCount() uint64 {
	count, _ := db.owner.raw.Databases.MaximumObjectStoreID(db.id.Number)
	return count
}

// ObjectStores lists the stores that still have a name record. Gaps from
// deleted stores are skipped.
func (db *Database) ObjectStores() []*ObjectStore {
	var out []*ObjectStore
	for storeID := uint64(1); storeID <= db.ObjectStoreCount(); storeID++ {
		if name, ok := db.owner.raw.Stores.StoreName(db.id.Number, storeID); ok {
			out = append(out, &ObjectStore{owner: db.owner, dbID: db.id.Number, id: storeID, name: name})
		}
	}
	return out
}

// ObjectStoreByID addresses a store by id whether or not its name survives.
func (db *Database) ObjectStoreByID(storeID uint64) *ObjectStore {
	name, _ := db.owner.raw.Stores.StoreName(db.id.Number, storeID)
	return &ObjectStore{owner: db.owner, dbID: db.id.Number, id: storeID, name: name}
}

// ObjectStoreByName addresses a store by its name.
func (db *Database) ObjectStoreByName(name string) (*ObjectStore, error) {
	for _, store := range db.ObjectStores() {
		if store.Name() == name {
			return store, nil
		}
	}
	return nil, fmt.Errorf("database %q has no object store named %q", db.id.Name, name)
}

// ObjectStore is one object store within a database.
type ObjectStore struct {
	owner *DB
	dbID  uint64
	id    uint64
	name  string
}

func (s *ObjectStore) ID() uint64         { return s.id }
func (s *ObjectStore) DatabaseID() uint64 { return s.dbID }
func (s *ObjectStore) Name() string       { return s.name }

// IterateRecords walks the store's records lazily.
func (s *ObjectStore) IterateRecords(opts chromium.IterateOptions) (*chromium.StoreIterator, error) {
	return s.owner.raw.IterateStore(s.dbID, s.id, opts)
}

// CollectRecords materializes the whole store eagerly and returns the
// iterator for its attempted and skipped counts.
func (s *ObjectStore) CollectRecords(opts chromium.IterateOptions) ([]*chromium.IndexedDBRecord, *chromium.StoreIterator, error) {
	return s.owner.raw.CollectStore(s.dbID, s.id, opts)
}
