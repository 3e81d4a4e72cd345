package mcp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// wsConn carries MCP over one websocket, one JSON-RPC message per text
// frame. It is both the sdk.Transport handed to Connect and the
// sdk.Connection that Connect yields, for the admin server and for roomctl.
type wsConn struct {
	ws *websocket.Conn
	// gorilla allows a single concurrent writer.
	writeMu sync.Mutex
}

func newWebSocketTransport(ws *websocket.Conn) sdk.Transport {
	return &wsConn{ws: ws}
}

func (c *wsConn) Connect(context.Context) (sdk.Connection, error) { return c, nil }

// Read returns io.EOF when the peer closed the socket normally.
func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	defer applyDeadline(ctx, c.ws.SetReadDeadline)()
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("mcp websocket read: %w", err)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("mcp websocket decode: %w", err)
	}
	return msg, nil
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("mcp websocket encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer applyDeadline(ctx, c.ws.SetWriteDeadline)()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mcp websocket write: %w", err)
	}
	return nil
}

// Close says goodbye with a normal close frame before dropping the socket.
func (c *wsConn) Close() error {
	bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) SessionID() string { return "" }

// applyDeadline mirrors ctx's deadline onto the socket and returns the
// reset to defer.
func applyDeadline(ctx context.Context, set func(time.Time) error) func() {
	dl, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = set(dl)
	return func() { _ = set(time.Time{}) }
}
