package db

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"
	"chromium-storage-go/leveldb/ldb"
	"chromium-storage-go/leveldb/log"
)

// FolderReader merges every .log and .ldb/.sst file in a LevelDB directory
// into a single flat view of raw records.
type FolderReader struct {
	folderPath string
}

func NewFolderReader(path string) (*FolderReader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	return &FolderReader{folderPath: path}, nil
}

// GetRawRecords reads all files and returns every record revision found,
// sorted by sequence number. Records that are shadowed by a later revision of
// the same user key are marked Recovered.
func (fr *FolderReader) GetRawRecords() ([]common.RawRecord, error) {
	byKey := make(map[string][]common.RawRecord)

	err := filepath.WalkDir(fr.folderPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		var fileRecords []common.Record
		switch strings.ToLower(filepath.Ext(path)) {
		case ".log":
			reader := log.NewFileReader(path)
			parsedKeys, parseErr := reader.GetParsedInternalKeys()
			if parseErr != nil {
				config.Verbosef("db: could not parse log file %s: %v", path, parseErr)
				return nil
			}
			for i := range parsedKeys {
				fileRecords = append(fileRecords, &parsedKeys[i])
			}
		case ".ldb", ".sst":
			reader, parseErr := ldb.NewFileReader(path)
			if parseErr != nil {
				config.Verbosef("db: could not parse table file %s: %v", path, parseErr)
				return nil
			}
			keyValueRecords, parseErr := reader.GetKeyValueRecords()
			if parseErr != nil {
				config.Verbosef("db: could not parse table records from %s: %v", path, parseErr)
				return nil
			}
			for i := range keyValueRecords {
				fileRecords = append(fileRecords, &keyValueRecords[i])
			}
		default:
			return nil
		}

		for _, rec := range fileRecords {
			raw := common.RawRecord{
				Key:        rec.GetKey(),
				Value:      rec.GetValue(),
				Seq:        rec.GetSequenceNumber(),
				State:      rec.GetState(),
				UserKey:    rec.GetKey(),
				OriginFile: path,
				Offset:     rec.GetOffset(),
			}
			byKey[string(raw.UserKey)] = append(byKey[string(raw.UserKey)], raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory: %w", err)
	}

	var allRecords []common.RawRecord
	for _, revisions := range byKey {
		sort.Slice(revisions, func(i, j int) bool {
			if revisions[i].Seq != revisions[j].Seq {
				return revisions[i].Seq < revisions[j].Seq
			}
			return revisions[i].Offset < revisions[j].Offset
		})
		for i := range revisions {
			revisions[i].Recovered = i != len(revisions)-1
		}
		allRecords = append(allRecords, revisions...)
	}

	sort.Slice(allRecords, func(i, j int) bool {
		if allRecords[i].Seq != allRecords[j].Seq {
			return allRecords[i].Seq < allRecords[j].Seq
		}
		if allRecords[i].Offset != allRecords[j].Offset {
			return allRecords[i].Offset < allRecords[j].Offset
		}
		return allRecords[i].OriginFile < allRecords[j].OriginFile
	})

	return allRecords, nil
}
