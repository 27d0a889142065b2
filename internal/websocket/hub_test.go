package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderedsub/orderedsub/internal/auth"
	"github.com/orderedsub/orderedsub/internal/models"
)

type feed struct {
	hub    *Hub
	tokens *auth.TokenManager
	server *httptest.Server
}

func newFeed(t *testing.T) *feed {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	tokens := auth.NewTokenManager("secret", time.Minute)
	server := httptest.NewServer(NewHandler(hub, tokens, nil))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &feed{hub: hub, tokens: tokens, server: server}
}

func (f *feed) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	token, _, err := f.tokens.Generate("alice", auth.RoleViewer)
	require.NoError(t, err)

	before := f.hub.GetClientCount()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + token + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.hub.GetClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestHub_BroadcastsKeyEvents(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "")

	f.hub.PublishKeyEvent(models.KeyEvent{Type: models.KeyEventPaused, Key: "acct-7", Failures: 2})

	m := readMessage(t, conn)
	assert.Equal(t, "key_event", m.Type)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, KeyChannel("acct-7"), m.Channel)
	assert.NotEmpty(t, m.EventID)
	require.NotNil(t, m.Event)
	assert.Equal(t, models.KeyEventPaused, m.Event.Type)
	assert.Equal(t, "acct-7", m.Event.Key)
	assert.Equal(t, 2, m.Event.Failures)
}

func TestHub_KeyFilter(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "&key=acct-7")

	f.hub.PublishKeyEvent(models.KeyEvent{Type: models.KeyEventPaused, Key: "other"})
	f.hub.PublishKeyEvent(models.KeyEvent{Type: models.KeyEventResumed, Key: "acct-7"})

	m := readMessage(t, conn)
	require.NotNil(t, m.Event)
	assert.Equal(t, "acct-7", m.Event.Key)
	assert.Equal(t, models.KeyEventResumed, m.Event.Type)
}

func TestHub_SubscribeRequest(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "&key=acct-7")

	require.NoError(t, conn.WriteJSON(SubscriptionRequest{Type: "subscribe", Channels: []string{KeyChannel("acct-8")}}))
	ack := readMessage(t, conn)
	assert.Equal(t, "ack", ack.Type)

	f.hub.PublishKeyEvent(models.KeyEvent{Type: models.KeyEventFailed, Key: "acct-8"})
	m := readMessage(t, conn)
	require.NotNil(t, m.Event)
	assert.Equal(t, "acct-8", m.Event.Key)
}

func TestHub_InvalidRequest(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	m := readMessage(t, conn)
	assert.Equal(t, "error", m.Type)
	require.NotNil(t, m.Error)
	assert.Equal(t, "INVALID_MESSAGE", m.Error.Code)

	require.NoError(t, conn.WriteJSON(SubscriptionRequest{Type: "subscribe"}))
	m = readMessage(t, conn)
	require.NotNil(t, m.Error)
	assert.Equal(t, "INVALID_SUBSCRIBE", m.Error.Code)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "")
	assert.Equal(t, 1, f.hub.GetSubscriptionCount())

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.GetClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.hub.GetSubscriptionCount())
}

func TestHandler_RejectsMissingOrBadToken(t *testing.T) {
	f := newFeed(t)
	base := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.PublishKeyEvent(models.KeyEvent{Type: models.KeyEventFailed, Key: "k"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishKeyEvent blocked without a running hub")
	}
}
