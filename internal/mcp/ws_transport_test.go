package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestWebSocketTransportDeliversMessagesAndReportsCloseAsEOF(t *testing.T) {
	received := make(chan jsonrpc.Message, 1)
	readErr := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conn, _ := newWebSocketTransport(ws).Connect(context.Background())
		msg, err := conn.Read(context.Background())
		if err != nil {
			readErr <- err
			return
		}
		received <- msg
		_, err = conn.Read(context.Background())
		readErr <- err
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _ := newWebSocketTransport(ws).Connect(ctx)

	sent, err := jsonrpc.DecodeMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := client.Write(ctx, sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		want, _ := jsonrpc.EncodeMessage(sent)
		have, _ := jsonrpc.EncodeMessage(got)
		if !bytes.Equal(want, have) {
			t.Fatalf("message changed in transit: %s != %s", have, want)
		}
	case err := <-readErr:
		t.Fatalf("server read failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("message never arrived")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-readErr:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("want io.EOF after normal close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never saw the close")
	}
}
