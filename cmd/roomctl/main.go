// Command roomctl talks to the coordinator's admin server.
//
//	roomctl [--addr URL] rooms
//	roomctl [--addr URL] close <slot>
//	roomctl [--addr URL] pool
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/discord-room-lab/internal/mcp"
)

var version = "dev"

func main() {
	addr := pflag.String("addr", envOr("ROOMCTL_ADDR", "ws://127.0.0.1:8090/mcp/ws"), "admin server websocket URL")
	timeout := pflag.Duration("timeout", 15*time.Second, "overall request timeout")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: roomctl [flags] rooms|close <slot>|pool\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	tool, args, err := parseCommand(pflag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := mcp.NewClientWrapper("roomctl", version)
	if err := client.ConnectWebSocket(ctx, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer client.Close()

	text, err := client.CallText(ctx, tool, args)
	if err != nil {
		var toolErr *mcp.ToolError
		if errors.As(err, &toolErr) {
			fmt.Fprintln(os.Stderr, toolErr.Text)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	fmt.Println(text)
}

// parseCommand maps the CLI verbs onto admin tools.
func parseCommand(argv []string) (string, map[string]any, error) {
	if len(argv) == 0 {
		return "", nil, errors.New("missing command")
	}
	switch argv[0] {
	case "rooms", "ls":
		return mcp.ToolListRooms, nil, nil
	case "pool":
		return mcp.ToolWorkerPool, nil, nil
	case "close":
		if len(argv) != 2 {
			return "", nil, errors.New("close needs exactly one slot number")
		}
		slot, err := strconv.Atoi(argv[1])
		if err != nil || slot < 1 {
			return "", nil, fmt.Errorf("invalid slot %q", argv[1])
		}
		return mcp.ToolCloseRoom, map[string]any{"slot": slot}, nil
	default:
		return "", nil, fmt.Errorf("unknown command %q", argv[0])
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
