package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

func TestConnector_SendToConversation(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v3/conversations/conv-1/activities", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "act-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewConnector(ConnectorConfig{
		AppID:       "app",
		AppPassword: "secret",
		LoginURL:    srv.URL + "/token",
	}, nil)

	ref := refstore.SessionReference{
		UserID:         "user-1",
		ConversationID: "conv-1",
		ServiceURL:     srv.URL,
		BotID:          "bot-1",
	}

	require.NoError(t, c.SendToConversation(context.Background(), ref, Message{Text: "ping"}))
	assert.Equal(t, "message", captured["type"])
	assert.Equal(t, "ping", captured["text"])

	card := map[string]any{"type": "AdaptiveCard"}
	require.NoError(t, c.SendToConversation(context.Background(), ref, Message{Card: card}))
	attachments, ok := captured["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]any)
	assert.Equal(t, "application/vnd.microsoft.card.adaptive", first["contentType"])
}

func TestConnector_MissingEndpoint(t *testing.T) {
	c := NewConnector(ConnectorConfig{AppID: "app"}, nil)

	err := c.SendToConversation(context.Background(), refstore.SessionReference{UserID: "u"}, Message{Text: "x"})
	assert.Error(t, err)
}

func TestConnector_FallbackServiceURL(t *testing.T) {
	var hit bool
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v3/conversations/conv-1/activities", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewConnector(ConnectorConfig{
		AppID:              "app",
		ServiceURLFallback: srv.URL,
		LoginURL:           srv.URL + "/token",
	}, nil)

	ref := refstore.SessionReference{UserID: "u", ConversationID: "conv-1"}
	require.NoError(t, c.SendToConversation(context.Background(), ref, Message{Text: "x"}))
	assert.True(t, hit)
}
