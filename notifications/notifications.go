// Package notifications reads the Chromium Platform Notifications database, a
// LevelDB store of protobuf-encoded notification records.
package notifications

import (
	"strings"
	"time"

	"chromium-storage-go/config"
	"chromium-storage-go/indexeddb/chromium"
	"chromium-storage-go/leveldb/common"
	"chromium-storage-go/leveldb/db"
	"chromium-storage-go/protobuf"
)

// windowsEpoch is the origin of the timestamp fields.
var windowsEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// timeFromMicros converts microseconds since the Windows epoch. The seconds
// are split off first so the nanosecond duration cannot overflow.
func timeFromMicros(micros uint64) time.Time {
	return windowsEpoch.Add(time.Duration(micros/1e6)*time.Second + time.Duration(micros%1e6)*time.Microsecond)
}

// ClosedReason mirrors content::NotificationDatabaseData::ClosedReason.
type ClosedReason uint64

const (
	ClosedByUser      ClosedReason = 0
	ClosedByDeveloper ClosedReason = 1
	ClosedUnknown     ClosedReason = 2
)

func (r ClosedReason) String() string {
	switch r {
	case ClosedByUser:
		return "user"
	case ClosedByDeveloper:
		return "developer"
	}
	return "unknown"
}

// ActionType distinguishes button and text input actions.
type ActionType uint64

const (
	ActionButton ActionType = 0
	ActionText   ActionType = 1
)

func readTimestamp(s *protobuf.Stream) (any, error) {
	micros, err := protobuf.ReadVarint(s, 64)
	if err != nil {
		return nil, err
	}
	return timeFromMicros(micros), nil
}

var actionTable = protobuf.Table{
	1: {Name: "action", Fn: protobuf.String},
	2: {Name: "title", Fn: protobuf.String},
	3: {Name: "icon", Fn: protobuf.String},
	4: {Name: "type", Fn: protobuf.Varint},
	5: {Name: "placeholder", Fn: protobuf.String},
}

var notificationDataTable = protobuf.Table{
	1:  {Name: "title", Fn: protobuf.String},
	2:  {Name: "direction", Fn: protobuf.Varint},
	3:  {Name: "lang", Fn: protobuf.String},
	4:  {Name: "body", Fn: protobuf.String},
	5:  {Name: "tag", Fn: protobuf.String},
	6:  {Name: "icon", Fn: protobuf.String},
	7:  {Name: "silent", Fn: protobuf.Bool},
	8:  {Name: "data", Fn: protobuf.RawBlob},
	9:  {Name: "vibration", Fn: protobuf.RawBlob},
	10: {Name: "actions", Fn: protobuf.Embedded(actionTable, true)},
	11: {Name: "require_interaction", Fn: protobuf.Bool},
	12: {Name: "timestamp", Fn: readTimestamp},
	13: {Name: "renotify", Fn: protobuf.Bool},
	14: {Name: "badge", Fn: protobuf.String},
	15: {Name: "image", Fn: protobuf.String},
	16: {Name: "show_trigger_timestamp", Fn: readTimestamp},
}

var databaseDataTable = protobuf.Table{
	1:  {Name: "persistent_notification_id", Fn: protobuf.Varint},
	2:  {Name: "origin", Fn: protobuf.String},
	3:  {Name: "service_worker_registration_id", Fn: protobuf.Varint},
	4:  {Name: "notification_data", Fn: protobuf.Embedded(notificationDataTable, true)},
	5:  {Name: "notification_id", Fn: protobuf.String},
	6:  {Name: "replaced_existing_notification", Fn: protobuf.Bool},
	7:  {Name: "num_clicks", Fn: protobuf.Varint32},
	8:  {Name: "num_action_button_clicks", Fn: protobuf.Varint32},
	9:  {Name: "creation_time_millis", Fn: readTimestamp},
	10: {Name: "time_until_first_click_millis", Fn: protobuf.Varint},
	11: {Name: "time_until_last_click_millis", Fn: protobuf.Varint},
	12: {Name: "time_until_close_millis", Fn: protobuf.Varint},
	13: {Name: "closed_reason", Fn: protobuf.Varint},
	14: {Name: "has_triggered", Fn: protobuf.Bool},
	15: {Name: "is_shown_by_browser", Fn: protobuf.Bool},
}

// Action is one notification action button or text input.
type Action struct {
	Action      string     `json:"action,omitempty"`
	Title       string     `json:"title,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	Type        ActionType `json:"type"`
	Placeholder string     `json:"placeholder,omitempty"`
}

// Notification is one decoded platform notification.
type Notification struct {
	Origin                   string       `json:"origin"`
	PersistentNotificationID uint64       `json:"persistent_notification_id"`
	NotificationID           string       `json:"notification_id"`
	Title                    string       `json:"title,omitempty"`
	Body                     string       `json:"body,omitempty"`
	Tag                      string       `json:"tag,omitempty"`
	Icon                     string       `json:"icon,omitempty"`
	Badge                    string       `json:"badge,omitempty"`
	Image                    string       `json:"image,omitempty"`
	Data                     any          `json:"data,omitempty"`
	Timestamp                time.Time    `json:"timestamp,omitzero"`
	CreationTime             time.Time    `json:"creation_time,omitzero"`
	ClosedReason             ClosedReason `json:"closed_reason"`
	TimeUntilFirstClickMs    uint64       `json:"time_until_first_click_millis,omitempty"`
	TimeUntilLastClickMs     uint64       `json:"time_until_last_click_millis,omitempty"`
	TimeUntilCloseMs         uint64       `json:"time_until_close_millis,omitempty"`
	Actions                  []Action     `json:"actions,omitempty"`
	Sequence                 uint64       `json:"sequence"`
	OriginFile               string       `json:"origin_file,omitempty"`
}

// Reader reads one Platform Notifications LevelDB directory.
type Reader struct {
	folder *db.FolderReader
}

func NewReader(dir string) (*Reader, error) {
	folder, err := db.NewFolderReader(dir)
	if err != nil {
		return nil, err
	}
	return &Reader{folder: folder}, nil
}

// ReadNotifications decodes every live DATA record in the store.
func (r *Reader) ReadNotifications() ([]Notification, error) {
	records, err := r.folder.GetRawRecords()
	if err != nil {
		return nil, err
	}

	var out []Notification
	for _, rec := range records {
		if rec.State != common.KeyStateLive {
			continue
		}
		// Keys look like "DATA:origin\x00id" or "RESOURCES:...".
		recordType, rest, ok := strings.Cut(string(rec.Key), ":")
		if !ok || recordType != "DATA" {
			continue
		}
		origin, _, _ := strings.Cut(rest, "\x00")

		notification, err := decodeNotification(rec)
		if err != nil {
			config.Verbosef("notifications: skipping record for %s: %v", origin, err)
			continue
		}
		if notification.Origin == "" {
			notification.Origin = origin
		}
		out = append(out, notification)
	}
	return out, nil
}

func decodeNotification(rec common.RawRecord) (Notification, error) {
	fields, err := protobuf.ReadMessage(protobuf.NewStream(rec.Value), databaseDataTable, true)
	if err != nil {
		return Notification{}, err
	}
	root := &protobuf.ProtoObject{Name: "root", Value: fields}

	n := Notification{
		Origin:                   fieldString(root, "origin"),
		PersistentNotificationID: fieldUint(root, "persistent_notification_id"),
		NotificationID:           fieldString(root, "notification_id"),
		CreationTime:             fieldTime(root, "creation_time_millis"),
		ClosedReason:             ClosedReason(fieldUint(root, "closed_reason")),
		TimeUntilFirstClickMs:    fieldUint(root, "time_until_first_click_millis"),
		TimeUntilLastClickMs:     fieldUint(root, "time_until_last_click_millis"),
		TimeUntilCloseMs:         fieldUint(root, "time_until_close_millis"),
		Sequence:                 rec.Seq,
		OriginFile:               rec.OriginFile,
	}

	data := root.Only("notification_data")
	if data == nil {
		return n, nil
	}
	n.Title = fieldString(data, "title")
	n.Body = fieldString(data, "body")
	n.Tag = fieldString(data, "tag")
	n.Icon = fieldString(data, "icon")
	n.Badge = fieldString(data, "badge")
	n.Image = fieldString(data, "image")
	n.Timestamp = fieldTime(data, "timestamp")

	for _, action := range data.ByName("actions") {
		n.Actions = append(n.Actions, Action{
			Action:      fieldString(action, "action"),
			Title:       fieldString(action, "title"),
			Icon:        fieldString(action, "icon"),
			Type:        ActionType(fieldUint(action, "type")),
			Placeholder: fieldString(action, "placeholder"),
		})
	}

	// The developer-supplied data payload is itself a serialized value.
	if payload := data.Only("data"); payload != nil {
		if blob, ok := payload.Value.([]byte); ok && len(blob) > 0 {
			n.Data = decodeDataPayload(blob)
		}
	}
	return n, nil
}

// decodeDataPayload deserializes the nested value, falling back to the raw
// bytes when it does not decode.
func decodeDataPayload(blob []byte) any {
	deserializer := chromium.NewV8Deserializer(blob, chromium.NewBlinkDeserializer())
	if err := deserializer.ReadHeader(); err != nil {
		return blob
	}
	value, err := deserializer.ReadObject()
	if err != nil {
		config.Verbosef("notifications: data payload did not deserialize: %v", err)
		return blob
	}
	return value
}

func fieldString(obj *protobuf.ProtoObject, name string) string {
	if f := obj.Only(name); f != nil {
		if s, ok := f.Value.(string); ok {
			return s
		}
	}
	return ""
}

func fieldUint(obj *protobuf.ProtoObject, name string) uint64 {
	if f := obj.Only(name); f != nil {
		switch v := f.Value.(type) {
		case uint64:
			return v
		case uint32:
			return uint64(v)
		}
	}
	return 0
}

func fieldTime(obj *protobuf.ProtoObject, name string) time.Time {
	if f := obj.Only(name); f != nil {
		if t, ok := f.Value.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}
