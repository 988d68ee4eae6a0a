// Package sessionstorage reads the Chromium Session Storage LevelDB format.
// Namespace records map a (tab guid, host) pair to a map id; map records hold
// the actual key/value pairs under that id. Values are little-endian UTF-16.
package sessionstorage

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"
	"chromium-storage-go/leveldb/db"
)

var (
	namespacePrefix = []byte("namespace-")
	mapIDPrefix     = []byte("map-")
)

// Value is one stored session storage value revision.
type Value struct {
	Value    string `json:"value"`
	GUID     string `json:"guid,omitempty"`
	Sequence uint64 `json:"sequence"`
}

// Store is the decoded content of one Session Storage directory, built
// eagerly in two passes: namespaces first, then the maps they point to.
type Store struct {
	mapIDToHost map[string]string
	mapIDToGUID map[string]string
	hosts       map[string]map[string][]Value
	orphans     []OrphanedValue
	deletedKeys map[guidHostPair]bool
}

type guidHostPair struct {
	guid string
	host string
}

// OrphanedValue is a map record whose map id no longer resolves to a host.
// The storage key often still identifies the site.
type OrphanedValue struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Open reads and joins all records in the directory.
func Open(dir string) (*Store, error) {
	folder, err := db.NewFolderReader(dir)
	if err != nil {
		return nil, err
	}
	records, err := folder.GetRawRecords()
	if err != nil {
		return nil, err
	}
	return newStore(records)
}

func newStore(records []common.RawRecord) (*Store, error) {
	s := &Store{
		mapIDToHost: make(map[string]string),
		mapIDToGUID: make(map[string]string),
		hosts:       make(map[string]map[string][]Value),
		deletedKeys: make(map[guidHostPair]bool),
	}

	for _, rec := range records {
		if !bytes.HasPrefix(rec.UserKey, namespacePrefix) || bytes.Equal(rec.UserKey, namespacePrefix) {
			continue
		}
		key := string(rec.UserKey)
		parts := strings.SplitN(key, "-", 3)
		if len(parts) != 3 {
			config.Verbosef("sessionstorage: malformed namespace key %q", key)
			continue
		}
		guid, host := parts[1], strings.ToLower(parts[2])
		if host == "" {
			continue
		}
		if rec.State == common.KeyStateDeleted {
			s.deletedKeys[guidHostPair{guid, host}] = true
			continue
		}
		mapID := string(rec.Value)
		if mapID == "" {
			continue
		}
		if existing, ok := s.mapIDToHost[mapID]; ok && existing != host {
			return nil, fmt.Errorf("map id %q claimed by both %q and %q", mapID, existing, host)
		}
		s.mapIDToHost[mapID] = host
		// When several tabs share a map the first claimant's guid is kept.
		if _, ok := s.mapIDToGUID[mapID]; !ok {
			s.mapIDToGUID[mapID] = guid
		}
	}

	for _, rec := range records {
		if !bytes.HasPrefix(rec.UserKey, mapIDPrefix) {
			continue
		}
		if rec.State == common.KeyStateDeleted {
			continue
		}
		key := string(rec.UserKey)
		parts := strings.SplitN(key, "-", 3)
		if len(parts) != 3 {
			config.Verbosef("sessionstorage: malformed map key %q", key)
			continue
		}
		mapID, storageKey := parts[1], parts[2]

		value, err := common.DecodeUTF16LE(rec.Value)
		if err != nil {
			config.Verbosef("sessionstorage: undecodable value for %q: %v", key, err)
			continue
		}
		stored := Value{Value: value, GUID: s.mapIDToGUID[mapID], Sequence: rec.Seq}

		host, ok := s.mapIDToHost[mapID]
		if !ok {
			s.orphans = append(s.orphans, OrphanedValue{Key: storageKey, Value: stored})
			continue
		}
		if s.hosts[host] == nil {
			s.hosts[host] = make(map[string][]Value)
		}
		s.hosts[host][storageKey] = append(s.hosts[host][storageKey], stored)
	}

	return s, nil
}

// Hosts lists every host with at least one stored value, sorted.
func (s *Store) Hosts() []string {
	out := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the host has any stored values.
func (s *Store) Contains(host string) bool {
	_, ok := s.hosts[host]
	return ok
}

// AllForHost returns every storage key and its value revisions for a host.
// Multiple revisions appear when old values were recovered from the store.
func (s *Store) AllForHost(host string) map[string][]Value {
	entries, ok := s.hosts[host]
	if !ok {
		return nil
	}
	out := make(map[string][]Value, len(entries))
	for key, values := range entries {
		out[key] = append([]Value(nil), values...)
	}
	return out
}

// Get returns the value revisions for one host and storage key.
func (s *Store) Get(host, key string) []Value {
	entries, ok := s.hosts[host]
	if !ok {
		return nil
	}
	return append([]Value(nil), entries[key]...)
}

// Orphans returns the values whose host could not be recovered.
func (s *Store) Orphans() []OrphanedValue {
	return append([]OrphanedValue(nil), s.orphans...)
}
