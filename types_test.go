package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampDecoding(t *testing.T) {
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	orig := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = orig }()

	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"fractional seconds", `"2020-03-04T10:20:30.123Z"`, time.Date(2020, 3, 4, 10, 20, 30, 123_000_000, time.UTC)},
		{"no fractional seconds", `"2020-03-04T10:20:30Z"`, time.Date(2020, 3, 4, 10, 20, 30, 0, time.UTC)},
		{"epoch placeholder maps to now", `"1970-01-01T00:00:00.000Z"`, fixed},
		{"empty", `""`, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.in), &ts))
			assert.True(t, tc.want.Equal(ts.Time), "got %v", ts.Time)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		var ts Timestamp
		err := json.Unmarshal([]byte(`"yesterday"`), &ts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid date")
	})
}

func TestChannelID(t *testing.T) {
	cid, err := ParseChannelID("messaging:general")
	require.NoError(t, err)
	assert.Equal(t, ChannelID{Type: "messaging", ID: "general"}, cid)
	assert.Equal(t, "messaging:general", cid.String())

	for _, bad := range []string{"", "messaging", ":general", "messaging:"} {
		_, err := ParseChannelID(bad)
		assert.Error(t, err, bad)
	}

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"message.new","cid":"team:dev","message":{"id":"m","text":"hi"}}`), &ev))
	assert.Equal(t, EventMessageNew, ev.Type)
	assert.Equal(t, ChannelID{Type: "team", ID: "dev"}, ev.CID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hi", ev.Message.Text)
}

func TestEventUnreadCount(t *testing.T) {
	_, ok := (&Event{Type: EventMessageNew}).unreadCount()
	assert.False(t, ok)

	n, c := 4, 1
	got, ok := (&Event{Type: EventNotificationMarkRead, TotalUnreadCount: &n, UnreadChannels: &c}).unreadCount()
	require.True(t, ok)
	assert.Equal(t, UnreadCount{Channels: 1, Messages: 4}, got)
}

func TestClientErrorMatching(t *testing.T) {
	cause := json.Unmarshal([]byte("{"), &struct{}{})
	err := error(newClientError(KindDecodingFailure, cause))

	assert.ErrorIs(t, err, ErrDecodingFailure)
	assert.NotErrorIs(t, err, ErrEmptyBody)
	assert.ErrorIs(t, err, cause)

	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindDecodingFailure, cerr.Kind)
	assert.Contains(t, err.Error(), "decoding failure")

	resp := &ClientError{Kind: KindResponseError, Response: &ErrorResponse{Code: 40, Message: "expired", StatusCode: 401}}
	assert.Contains(t, resp.Error(), "code 40")
	assert.True(t, resp.Response.IsTokenExpired())

	invalid := &ClientError{Kind: KindInvalidURL, Path: "/x"}
	assert.Contains(t, invalid.Error(), `"/x"`)
}
