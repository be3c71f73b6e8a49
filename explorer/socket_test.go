package explorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket event")
		return ""
	}
}

func TestSocketStreamsAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		require.NoError(t, conn.ReadJSON(&sub))
		require.Equal(t, "inv", sub["room"])

		n := conns.Add(1)
		if n == 1 {
			// First connection delivers one event, then drops.
			conn.WriteJSON(map[string]interface{}{
				"event": "tx", "data": map[string]string{"txid": "aa01"},
			})
			return
		}
		conn.WriteJSON(map[string]interface{}{
			"event": "block", "data": map[string]string{"hash": "00beef"},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSocket("ws"+strings.TrimPrefix(srv.URL, "http"), hclog.NewNullLogger())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Equal(t, "aa01", recvString(t, s.Txs()))
	// The dropped connection is redialed and events keep flowing.
	require.Equal(t, "00beef", recvString(t, s.Blocks()))
	require.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSocketIgnoresMalformedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub map[string]string
		conn.ReadJSON(&sub)
		conn.WriteJSON(map[string]interface{}{"event": "tx", "data": map[string]int{"txid": 7}})
		conn.WriteJSON(map[string]interface{}{"event": "noise"})
		conn.WriteJSON(map[string]interface{}{"event": "tx", "data": map[string]string{"txid": "good"}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSocket("ws"+strings.TrimPrefix(srv.URL, "http"), hclog.NewNullLogger())
	go s.Run(ctx)

	require.Equal(t, "good", recvString(t, s.Txs()))
}
