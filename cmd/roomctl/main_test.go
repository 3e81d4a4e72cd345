package main

import (
	"testing"

	"github.com/discord-room-lab/internal/mcp"
)

func TestParseCommand(t *testing.T) {
	tool, args, err := parseCommand([]string{"close", "3"})
	if err != nil || tool != mcp.ToolCloseRoom || args["slot"] != 3 {
		t.Fatalf("close: got %q %v %v", tool, args, err)
	}
	if tool, _, err := parseCommand([]string{"rooms"}); err != nil || tool != mcp.ToolListRooms {
		t.Fatalf("rooms: got %q %v", tool, err)
	}
	if tool, _, err := parseCommand([]string{"pool"}); err != nil || tool != mcp.ToolWorkerPool {
		t.Fatalf("pool: got %q %v", tool, err)
	}
	for _, bad := range [][]string{nil, {"close"}, {"close", "0"}, {"close", "x"}, {"reboot"}} {
		if _, _, err := parseCommand(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}
