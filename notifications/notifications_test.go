package notifications

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromium-storage-go/leveldb/common"
)

func appendVarintField(buf []byte, field, v uint64) []byte {
	buf = binary.AppendUvarint(buf, field<<3)
	return binary.AppendUvarint(buf, v)
}

func appendBytesField(buf []byte, field uint64, payload []byte) []byte {
	buf = binary.AppendUvarint(buf, field<<3|2)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func appendStringField(buf []byte, field uint64, s string) []byte {
	return appendBytesField(buf, field, []byte(s))
}

func micros(ts time.Time) uint64 {
	return uint64(ts.Sub(windowsEpoch) / time.Microsecond)
}

func notificationFixture(t *testing.T) common.RawRecord {
	t.Helper()

	shown := time.Date(2023, 6, 15, 12, 30, 0, 0, time.UTC)
	created := time.Date(2023, 6, 15, 12, 29, 0, 0, time.UTC)

	action := appendStringField(nil, 1, "reply")
	action = appendStringField(action, 2, "Reply")
	action = appendVarintField(action, 4, uint64(ActionText))
	action = appendStringField(action, 5, "Type here")

	data := appendStringField(nil, 1, "New message")
	data = appendStringField(data, 4, "You have mail")
	data = appendStringField(data, 5, "inbox")
	data = appendStringField(data, 6, "https://example.com/icon.png")
	data = appendBytesField(data, 10, action)
	data = appendVarintField(data, 12, micros(shown))

	value := appendVarintField(nil, 1, 77)
	value = appendStringField(value, 2, "https://example.com")
	value = appendStringField(value, 5, "p#example#77")
	value = appendBytesField(value, 4, data)
	value = appendVarintField(value, 9, micros(created))
	value = appendVarintField(value, 13, uint64(ClosedByUser))
	value = appendVarintField(value, 10, 2500)

	return common.RawRecord{
		Key:        []byte("DATA:https://example.com\x00p#example#77"),
		UserKey:    []byte("DATA:https://example.com\x00p#example#77"),
		Value:      value,
		Seq:        11,
		State:      common.KeyStateLive,
		OriginFile: "000005.ldb",
	}
}

func TestDecodeNotification(t *testing.T) {
	t.Parallel()

	n, err := decodeNotification(notificationFixture(t))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", n.Origin)
	assert.Equal(t, uint64(77), n.PersistentNotificationID)
	assert.Equal(t, "p#example#77", n.NotificationID)
	assert.Equal(t, "New message", n.Title)
	assert.Equal(t, "You have mail", n.Body)
	assert.Equal(t, "inbox", n.Tag)
	assert.Equal(t, "https://example.com/icon.png", n.Icon)
	assert.Equal(t, time.Date(2023, 6, 15, 12, 30, 0, 0, time.UTC), n.Timestamp)
	assert.Equal(t, time.Date(2023, 6, 15, 12, 29, 0, 0, time.UTC), n.CreationTime)
	assert.Equal(t, ClosedByUser, n.ClosedReason)
	assert.Equal(t, uint64(2500), n.TimeUntilFirstClickMs)
	assert.Equal(t, uint64(11), n.Sequence)
	assert.Equal(t, "000005.ldb", n.OriginFile)

	require.Len(t, n.Actions, 1)
	assert.Equal(t, "reply", n.Actions[0].Action)
	assert.Equal(t, "Reply", n.Actions[0].Title)
	assert.Equal(t, ActionText, n.Actions[0].Type)
	assert.Equal(t, "Type here", n.Actions[0].Placeholder)
}

func TestDecodeNotificationDataPayload(t *testing.T) {
	t.Parallel()

	// The developer data payload is a nested serialized value.
	payload := []byte{0xff, 0x0f, 'S', 0x05, 'h', 'e', 'l', 'l', 'o'}
	data := appendBytesField(nil, 8, payload)
	value := appendBytesField(nil, 4, data)

	rec := common.RawRecord{Value: value, State: common.KeyStateLive}
	n, err := decodeNotification(rec)
	require.NoError(t, err)
	assert.Equal(t, "hello", n.Data)
}

func TestDecodeNotificationOpaquePayloadKeptRaw(t *testing.T) {
	t.Parallel()

	// Bytes that are not a serialized value come back unchanged.
	payload := []byte{0x01, 0x02, 0x03}
	data := appendBytesField(nil, 8, payload)
	value := appendBytesField(nil, 4, data)

	rec := common.RawRecord{Value: value, State: common.KeyStateLive}
	n, err := decodeNotification(rec)
	require.NoError(t, err)
	assert.Equal(t, payload, n.Data)
}

func TestDecodeNotificationUnknownFieldsSurvive(t *testing.T) {
	t.Parallel()

	// A field tag outside the table decodes through the wire type fallback.
	value := appendStringField(nil, 2, "https://example.com")
	value = appendVarintField(value, 90, 1)

	n, err := decodeNotification(common.RawRecord{Value: value, State: common.KeyStateLive})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", n.Origin)
}

func TestClosedReasonString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "user", ClosedByUser.String())
	assert.Equal(t, "developer", ClosedByDeveloper.String())
	assert.Equal(t, "unknown", ClosedUnknown.String())
	assert.Equal(t, "unknown", ClosedReason(9).String())
}
