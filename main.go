package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"chromium-storage-go/config"
	"chromium-storage-go/indexeddb"
	"chromium-storage-go/indexeddb/chromium"
	"chromium-storage-go/leveldb/common"
	"chromium-storage-go/leveldb/db"
	"chromium-storage-go/leveldb/ldb"
	"chromium-storage-go/leveldb/log"
	"chromium-storage-go/notifications"
	"chromium-storage-go/sessionstorage"

	"github.com/alecthomas/kingpin/v2"
)

var (
	app     = kingpin.New("chromium-storage-go", "A Go tool for forensic analysis of Chromium LevelDB-backed storage.")
	verbose = app.Flag("verbose", "Log diagnostics to stderr.").Short('v').Bool()

	// DB command
	dbCmd        = app.Command("db", "Parse a LevelDB directory.")
	dbPath       = dbCmd.Arg("path", "Path to the LevelDB directory.").Required().String()
	dbFormat     = dbCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	dbOutputFile = dbCmd.Flag("output-file", "Save output to a file.").Short('o').String()

	// LDB command
	ldbCmd        = app.Command("ldb", "Parse a single .ldb table file.")
	ldbPath       = ldbCmd.Arg("path", "Path to the .ldb file.").Required().String()
	ldbFormat     = ldbCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	ldbOutputFile = ldbCmd.Flag("output-file", "Save output to a file.").Short('o').String()

	// LOG command
	logCmd        = app.Command("log", "Parse a single .log file.")
	logPath       = logCmd.Arg("path", "Path to the .log file.").Required().String()
	logFormat     = logCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	logOutputFile = logCmd.Flag("output-file", "Save output to a file.").Short('o').String()

	// IndexedDB command
	idbCmd        = app.Command("indexeddb", "Decode a Chromium IndexedDB directory.")
	idbPath       = idbCmd.Arg("path", "Path to the IndexedDB (LevelDB) directory.").Required().String()
	idbBlobDir    = idbCmd.Flag("blob-dir", "Path to the sidecar blob directory.").String()
	idbDatabase   = idbCmd.Flag("db", "Decode only this database id (default: all).").Uint64()
	idbStore      = idbCmd.Flag("store", "Decode only this object store id (default: all).").Uint64()
	idbLiveOnly   = idbCmd.Flag("live-only", "Skip tombstoned record revisions.").Bool()
	idbFormat     = idbCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	idbOutputFile = idbCmd.Flag("output-file", "Save output to a file.").Short('o').String()

	// Notifications command
	notifCmd        = app.Command("notifications", "Decode a Platform Notifications directory.")
	notifPath       = notifCmd.Arg("path", "Path to the notifications (LevelDB) directory.").Required().String()
	notifFormat     = notifCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	notifOutputFile = notifCmd.Flag("output-file", "Save output to a file.").Short('o').String()

	// Session storage command
	ssCmd        = app.Command("sessionstorage", "Decode a Session Storage directory.")
	ssPath       = ssCmd.Arg("path", "Path to the Session Storage (LevelDB) directory.").Required().String()
	ssFormat     = ssCmd.Flag("format", "Output format ('json' or 'jsonl').").Default("json").Enum("json", "jsonl")
	ssOutputFile = ssCmd.Flag("output-file", "Save output to a file.").Short('o').String()
)

func main() {
	debug.SetTraceback("crash")
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	config.InitLogger(*verbose)

	switch command {
	case dbCmd.FullCommand():
		runDbCommand(*dbPath, *dbFormat, *dbOutputFile)
	case ldbCmd.FullCommand():
		runLdbCommand(*ldbPath, *ldbFormat, *ldbOutputFile)
	case logCmd.FullCommand():
		runLogCommand(*logPath, *logFormat, *logOutputFile)
	case idbCmd.FullCommand():
		runIndexedDBCommand(*idbPath, *idbBlobDir, *idbDatabase, *idbStore, *idbLiveOnly, *idbFormat, *idbOutputFile)
	case notifCmd.FullCommand():
		runNotificationsCommand(*notifPath, *notifFormat, *notifOutputFile)
	case ssCmd.FullCommand():
		runSessionStorageCommand(*ssPath, *ssFormat, *ssOutputFile)
	}
}

// getOutputWriter determines if the output should go to stdout or a file.
func getOutputWriter(outputFile string) (io.WriteCloser, error) {
	if outputFile != "" {
		return os.Create(outputFile)
	}
	return os.Stdout, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func emit(records any, writer io.Writer) {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

func emitLines[T any](records []T, writer io.Writer) {
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshalling record to JSONL: %v\n", err)
			continue
		}
		fmt.Fprintln(writer, string(line))
	}
}

func reportSaved(outputFile string) {
	if outputFile != "" {
		fmt.Fprintf(os.Stderr, "✅ Output successfully saved to %s\n", outputFile)
	}
}

func rawRecordMap(rec common.RawRecord) map[string]any {
	return map[string]any{
		"origin_file":     rec.OriginFile,
		"offset":          rec.Offset,
		"key":             common.BytesToEscapedString(rec.Key),
		"value":           common.BytesToEscapedString(rec.Value),
		"sequence_number": rec.Seq,
		"state":           rec.State.String(),
		"recovered":       rec.Recovered,
	}
}

func runDbCommand(path, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Parsing LevelDB directory: %s\n", path)
	reader, err := db.NewFolderReader(path)
	if err != nil {
		fatalf("Error creating folder reader: %v", err)
	}
	records, err := reader.GetRawRecords()
	if err != nil {
		fatalf("Error: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rawRecordMap(rec))
	}
	if format == "jsonl" {
		emitLines(out, writer)
	} else {
		emit(out, writer)
	}
	reportSaved(outputFile)
}

func runLdbCommand(path, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Parsing LDB file: %s\n", path)
	reader, err := ldb.NewFileReader(path)
	if err != nil {
		fatalf("Error: %v", err)
	}
	records, err := reader.GetKeyValueRecords()
	if err != nil {
		fatalf("Error parsing LDB records: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"path":            path,
			"offset":          rec.Offset,
			"key":             common.BytesToEscapedString(rec.Key),
			"value":           common.BytesToEscapedString(rec.Value),
			"sequence_number": rec.SequenceNumber,
			"record_type":     rec.RecordType,
		})
	}
	if format == "jsonl" {
		emitLines(out, writer)
	} else {
		emit(out, writer)
	}
	reportSaved(outputFile)
}

func runLogCommand(path, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Parsing LOG file: %s\n", path)
	reader := log.NewFileReader(path)
	records, err := reader.GetParsedInternalKeys()
	if err != nil {
		fatalf("Error parsing LOG records: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"path":            path,
			"offset":          rec.Offset,
			"key":             common.BytesToEscapedString(rec.Key),
			"value":           common.BytesToEscapedString(rec.Value),
			"sequence_number": rec.SequenceNumber,
			"record_type":     rec.RecordType,
			"recovered":       rec.Recovered,
		})
	}
	if format == "jsonl" {
		emitLines(out, writer)
	} else {
		emit(out, writer)
	}
	reportSaved(outputFile)
}

func runIndexedDBCommand(path, blobDir string, onlyDB, onlyStore uint64, liveOnly bool, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Decoding IndexedDB directory: %s\n", path)
	store, err := indexeddb.Open(path, blobDir)
	if err != nil {
		fatalf("Error opening IndexedDB: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	opts := chromium.IterateOptions{
		LiveOnly: liveOnly,
		OnBadRecord: func(key *chromium.IdbKey, rawValue []byte, err error) {
			config.Verbosef("indexeddb: skipping record (key %v): %v", key, err)
		},
	}

	var out []map[string]any
	totalAttempted, totalMaterialized, totalSkipped := 0, 0, 0
	for _, database := range store.Databases() {
		if onlyDB != 0 && database.Number() != onlyDB {
			continue
		}
		for _, objectStore := range database.ObjectStores() {
			if onlyStore != 0 && objectStore.ID() != onlyStore {
				continue
			}
			records, it, err := objectStore.CollectRecords(opts)
			if err != nil {
				fatalf("Error decoding %s/%s: %v", database.Name(), objectStore.Name(), err)
			}
			totalAttempted += it.Attempted()
			totalMaterialized += it.Materialized()
			totalSkipped += it.Skipped()
			for _, rec := range records {
				out = append(out, map[string]any{
					"database":     database.Name(),
					"origin":       database.Origin(),
					"object_store": objectStore.Name(),
					"record":       rec,
				})
			}
		}
	}

	if format == "jsonl" {
		emitLines(out, writer)
	} else {
		emit(out, writer)
	}
	fmt.Fprintf(os.Stderr, "📊 Records attempted: %d, materialized: %d, skipped: %d\n",
		totalAttempted, totalMaterialized, totalSkipped)
	reportSaved(outputFile)
}

func runNotificationsCommand(path, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Decoding notifications directory: %s\n", path)
	reader, err := notifications.NewReader(path)
	if err != nil {
		fatalf("Error opening notifications store: %v", err)
	}
	items, err := reader.ReadNotifications()
	if err != nil {
		fatalf("Error reading notifications: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	if format == "jsonl" {
		emitLines(items, writer)
	} else {
		emit(items, writer)
	}
	reportSaved(outputFile)
}

func runSessionStorageCommand(path, format, outputFile string) {
	fmt.Fprintf(os.Stderr, "🔎 Decoding session storage directory: %s\n", path)
	store, err := sessionstorage.Open(path)
	if err != nil {
		fatalf("Error opening session storage: %v", err)
	}

	writer, err := getOutputWriter(outputFile)
	if err != nil {
		fatalf("Error creating output file: %v", err)
	}
	defer writer.Close()

	if format == "jsonl" {
		var rows []map[string]any
		for _, host := range store.Hosts() {
			for key, values := range store.AllForHost(host) {
				for _, value := range values {
					rows = append(rows, map[string]any{
						"host":     host,
						"key":      key,
						"value":    value.Value,
						"guid":     value.GUID,
						"sequence": value.Sequence,
					})
				}
			}
		}
		for _, orphan := range store.Orphans() {
			rows = append(rows, map[string]any{
				"key":      orphan.Key,
				"value":    orphan.Value.Value,
				"sequence": orphan.Value.Sequence,
				"orphaned": true,
			})
		}
		emitLines(rows, writer)
	} else {
		out := map[string]any{
			"hosts":   map[string]any{},
			"orphans": store.Orphans(),
		}
		hosts := out["hosts"].(map[string]any)
		for _, host := range store.Hosts() {
			hosts[host] = store.AllForHost(host)
		}
		emit(out, writer)
	}
	reportSaved(outputFile)
}
