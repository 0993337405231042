package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method   string
	path     string
	query    map[string]string
	encoding string
	body     map[string]any
}

func captureHandler(got *capturedRequest, reply any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = map[string]string{}
		for k := range r.URL.Query() {
			got.query[k] = r.URL.Query().Get(k)
		}
		got.encoding = r.Header.Get("Content-Encoding")
		if r.ContentLength != 0 && got.encoding == "gzip" {
			if zr, err := gzip.NewReader(r.Body); err == nil {
				json.NewDecoder(zr).Decode(&got.body)
			}
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func TestDevices(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		var got capturedRequest
		srv := newChatServer(t, captureHandler(&got, map[string]any{
			"devices": []map[string]any{
				{"id": "01020304", "push_provider": "apn", "user_id": "luke", "created_at": "2020-03-04T10:20:30Z"},
			},
		}))
		c := newTestClient(t, srv, WithRequestCompression(true))
		require.NoError(t, c.SetUser(testUser, "t"))

		devices, err := c.Devices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, got.method)
		assert.Equal(t, "/devices", got.path)
		require.Len(t, devices, 1)
		assert.Equal(t, "01020304", devices[0].ID)
		assert.Equal(t, PushProviderAPN, devices[0].PushProvider)
		require.NotNil(t, devices[0].CreatedAt)
		assert.Equal(t, 2020, devices[0].CreatedAt.Year())
	})

	t.Run("add token", func(t *testing.T) {
		var got capturedRequest
		srv := newChatServer(t, captureHandler(&got, EmptyResponse{}))
		c := newTestClient(t, srv, WithRequestCompression(true))
		require.NoError(t, c.SetUser(testUser, "t"))

		require.NoError(t, c.AddDeviceToken(context.Background(), []byte{1, 2, 3, 4}))
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "/devices", got.path)
		assert.Equal(t, "gzip", got.encoding)
		assert.Equal(t, map[string]any{
			"user_id":       "luke",
			"id":            "01020304",
			"push_provider": "apn",
		}, got.body)
	})

	t.Run("remove", func(t *testing.T) {
		var got capturedRequest
		srv := newChatServer(t, captureHandler(&got, EmptyResponse{}))
		c := newTestClient(t, srv)
		require.NoError(t, c.SetUser(testUser, "t"))

		require.NoError(t, c.RemoveDevice(context.Background(), "01020304"))
		assert.Equal(t, http.MethodDelete, got.method)
		assert.Equal(t, "/devices", got.path)
		assert.Equal(t, "01020304", got.query["id"])
		assert.Equal(t, testAPIKey, got.query["api_key"])
	})

	t.Run("add without user", func(t *testing.T) {
		srv := newChatServer(t, nil)
		c := newTestClient(t, srv)
		assert.ErrorIs(t, c.AddDevice(context.Background(), "x"), ErrEmptyUser)
	})
}

func TestFlaggedCachesClearedOnReset(t *testing.T) {
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, EmptyResponse{})
	}))
	c := newTestClient(t, srv)
	require.NoError(t, c.SetUser(testUser, "t"))

	require.NoError(t, c.FlagMessage(context.Background(), "m1"))
	require.NoError(t, c.FlagUser(context.Background(), "u1"))
	assert.True(t, c.IsMessageFlagged("m1"))
	assert.True(t, c.IsUserFlagged("u1"))

	require.NoError(t, c.UnflagUser(context.Background(), "u1"))
	assert.False(t, c.IsUserFlagged("u1"))

	c.reset()
	assert.False(t, c.IsMessageFlagged("m1"))
}
