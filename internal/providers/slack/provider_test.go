package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostMessage(t *testing.T) {
	var got postMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	api := NewWebAPI("xoxb-test", srv.URL)
	require.NoError(t, api.PostMessage(context.Background(), "C123", "payout blocked"))
	assert.Equal(t, "C123", got.Channel)
	assert.Equal(t, "payout blocked", got.Text)
}

func TestPostMessageSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	err := NewWebAPI("xoxb-test", srv.URL).PostMessage(context.Background(), "C404", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
