// Package mcp exposes the coordinator to operators as an MCP server over
// websocket, and provides the client used by roomctl.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/rooms"
)

// Tool names served by the admin server.
const (
	ToolListRooms  = "list_rooms"
	ToolCloseRoom  = "close_room"
	ToolWorkerPool = "worker_pool"
)

// RoomController is the slice of the coordinator the admin tools need.
type RoomController interface {
	Rooms() []rooms.Info
	CloseRoom(ctx context.Context, slot int) bool
	PoolStatus() rooms.PoolStatus
}

type noArgs struct{}

type closeRoomArgs struct {
	Slot int `json:"slot" jsonschema:"slot number of the room to close"`
}

// NewServer registers the admin tools against ctrl.
func NewServer(ctrl RoomController, version string) *sdk.Server {
	s := sdk.NewServer(&sdk.Implementation{Name: "room-coordinator", Version: version}, nil)

	sdk.AddTool(s, &sdk.Tool{Name: ToolListRooms, Description: "list open discussion rooms"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			list := ctrl.Rooms()
			if list == nil {
				list = []rooms.Info{}
			}
			return jsonResult(list)
		})

	sdk.AddTool(s, &sdk.Tool{Name: ToolCloseRoom, Description: "tear down a room by slot number"},
		func(ctx context.Context, req *sdk.CallToolRequest, args closeRoomArgs) (*sdk.CallToolResult, any, error) {
			if args.Slot <= 0 {
				return errorResult(fmt.Sprintf("invalid slot %d", args.Slot)), nil, nil
			}
			if !ctrl.CloseRoom(ctx, args.Slot) {
				return errorResult(fmt.Sprintf("no open room in slot %d", args.Slot)), nil, nil
			}
			logging.Infow("room closed by operator", "room.slot", args.Slot)
			return textResult(fmt.Sprintf("room %d closed", args.Slot)), nil, nil
		})

	sdk.AddTool(s, &sdk.Tool{Name: ToolWorkerPool, Description: "show idle and assigned recorders"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			return jsonResult(ctrl.PoolStatus())
		})
	return s
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(text string) *sdk.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(b)), nil, nil
}

// Handler serves /health and the MCP websocket endpoint at /mcp/ws. Each
// websocket gets its own server session.
func Handler(ctx context.Context, server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go func() {
			session, err := server.Connect(ctx, newWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp server connect failed", "remote", r.RemoteAddr, "err", err)
				_ = conn.Close()
				return
			}
			logging.Debugw("mcp session opened", "remote", r.RemoteAddr)
			if err := session.Wait(); err != nil {
				logging.Debugw("mcp session ended", "remote", r.RemoteAddr, "err", err)
			}
		}()
	})
	return mux
}

// ListenAndServe runs h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("admin server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
