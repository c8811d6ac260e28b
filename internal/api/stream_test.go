package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) streamMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg streamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStream_PushesAlerts(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	stream := NewStream(nil, logger)
	stream.now = func() time.Time { return epoch }
	srv := New(&fakeController{}, store.NewMemory(), Options{Stream: stream, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hello := readMessage(t, ctx, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, 1, stream.Clients())

	require.NoError(t, stream.Alert(ctx, notify.SeverityCritical, "Emergency response started: ranking_drop"))
	msg := readMessage(t, ctx, conn)
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, notify.SeverityCritical, msg.Severity)
	assert.Equal(t, "Emergency response started: ranking_drop", msg.Message)
	assert.True(t, msg.At.Equal(epoch))

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return stream.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStream_WithoutClients(t *testing.T) {
	stream := NewStream([]string{"https://dash.example.com/"}, log.New(io.Discard, "", 0))
	assert.Equal(t, []string{"dash.example.com"}, stream.origins)
	assert.NoError(t, stream.Alert(context.Background(), notify.SeverityInfo, "nobody listening"))
}

func TestStream_NotRoutedWhenUnset(t *testing.T) {
	srv, _, _ := newServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/v1/stream", nil))
	assert.Equal(t, 404, w.Code)
}
