package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Path string
	Body map[string]interface{}
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	calls := &[]recordedCall{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*calls = append(*calls, recordedCall{Path: r.URL.Path, Body: body})

		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func newTestSender(t *testing.T, server *httptest.Server) *Sender {
	t.Helper()
	sender, err := NewSender(Config{
		Enabled:    true,
		BotToken:   "123:token",
		APIBaseURL: server.URL,
	})
	require.NoError(t, err)
	return sender
}

func TestNewSenderRequiresTokenWhenEnabled(t *testing.T) {
	_, err := NewSender(Config{Enabled: true})
	require.Error(t, err)

	_, err = NewSender(Config{Enabled: false})
	assert.NoError(t, err, "a disabled sender needs no token")
}

func TestSendMessage(t *testing.T) {
	server, calls := newTestServer(t, http.StatusOK, `{"ok":true}`)
	sender := newTestSender(t, server)

	require.NoError(t, sender.SendMessage(context.Background(), "chat-42", "hola"))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot123:token/sendMessage", call.Path)
	assert.Equal(t, "chat-42", call.Body["chat_id"])
	assert.Equal(t, "hola", call.Body["text"])
}

func TestSendAttachment(t *testing.T) {
	server, calls := newTestServer(t, http.StatusOK, `{"ok":true}`)
	sender := newTestSender(t, server)

	err := sender.SendAttachment(context.Background(), "chat-42",
		"https://files.example.com/recibo.png", "su recibo")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot123:token/sendPhoto", call.Path)
	assert.Equal(t, "https://files.example.com/recibo.png", call.Body["photo"])
	assert.Equal(t, "su recibo", call.Body["caption"])
}

func TestSendMessageAPIError(t *testing.T) {
	server, _ := newTestServer(t, http.StatusBadRequest,
		`{"ok":false,"description":"Bad Request: chat not found"}`)
	sender := newTestSender(t, server)

	err := sender.SendMessage(context.Background(), "chat-42", "hola")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Contains(t, err.Error(), "400")
}

func TestDisabledSenderSkipsCalls(t *testing.T) {
	server, calls := newTestServer(t, http.StatusOK, `{"ok":true}`)

	sender, err := NewSender(Config{Enabled: false, APIBaseURL: server.URL})
	require.NoError(t, err)

	require.NoError(t, sender.SendMessage(context.Background(), "chat-42", "hola"))
	assert.Empty(t, *calls)
}
