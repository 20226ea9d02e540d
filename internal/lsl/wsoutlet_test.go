package lsl

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHub_refusesWithoutActiveOutlet(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWSOutlet_metadataThenSamples(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	meta, err := NewMetadata(testConfig(1, 0), "127.0.0.1", 22223)
	require.NoError(t, err)
	outlet, err := hub.Open(meta, 16)
	require.NoError(t, err)
	defer outlet.Close()
	require.NotEmpty(t, meta.UID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	require.Equal(t, "metadata", first.Type)
	require.Contains(t, first.Metadata, "<name>Qualisys</name>")
	require.Contains(t, first.Metadata, "<uid>"+meta.UID+"</uid>")

	require.Eventually(t, func() bool { return outlet.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, outlet.Push([]float64{0.001, 1, -0.5005}))
	msg := readMessage(t, conn)
	require.Equal(t, "sample", msg.Type)
	require.Equal(t, []float64{0.001, 1, -0.5005}, msg.Sample)
}

func TestWSOutlet_closeDisconnectsAndDetaches(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	meta, err := NewMetadata(testConfig(1, 0), "127.0.0.1", 22223)
	require.NoError(t, err)
	outlet, err := hub.Open(meta, 16)
	require.NoError(t, err)
	require.Same(t, outlet, hub.Active())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn) // metadata

	require.NoError(t, outlet.Close())
	require.Nil(t, hub.Active())
	require.ErrorIs(t, outlet.Push([]float64{1}), ErrOutletClosed)
	require.NoError(t, outlet.Close(), "close is idempotent")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "subscriber connection should be closed")
}

func TestHub_openReplacesActiveOutlet(t *testing.T) {
	hub := NewHub(slog.Default())

	metaA, err := NewMetadata(testConfig(1, 0), "a", 1)
	require.NoError(t, err)
	a, err := hub.Open(metaA, 4)
	require.NoError(t, err)

	metaB, err := NewMetadata(testConfig(0, 1), "b", 2)
	require.NoError(t, err)
	b, err := hub.Open(metaB, 4)
	require.NoError(t, err)
	require.Same(t, b, hub.Active())

	// Closing the replaced outlet must not detach the new one.
	require.NoError(t, a.Close())
	require.Same(t, b, hub.Active())
}
