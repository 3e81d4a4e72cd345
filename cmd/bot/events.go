package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-room-lab/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny walks a decoded JSON value and replaces values for sensitive
// keys with a placeholder. It modifies maps and slices in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// eventTracer logs raw gateway events at debug level.
type eventTracer struct {
	guildID    string
	maxPayload int
}

// payload decodes raw, redacts it and truncates it to maxPayload bytes.
func (t *eventTracer) payload(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>"
	}
	out, err := json.Marshal(redactAny(v))
	if err != nil {
		return "<raw data omitted>"
	}
	if t.maxPayload > 0 && len(out) > t.maxPayload {
		return string(out[:t.maxPayload]) + fmt.Sprintf("<truncated %d bytes>", len(out))
	}
	return string(out)
}

// guildOf extracts guild_id from a raw event, if present.
func guildOf(raw []byte) string {
	var m struct {
		GuildID string `json:"guild_id"`
	}
	_ = json.Unmarshal(raw, &m)
	return m.GuildID
}

func (t *eventTracer) handle(_ *discordgo.Session, evt *discordgo.Event) {
	if evt == nil || evt.Type == "" {
		return
	}
	if g := guildOf(evt.RawData); g != "" && t.guildID != "" && g != t.guildID {
		return
	}
	logging.Debugw("discord event", "type", evt.Type, "seq", evt.Sequence, "payload", t.payload(evt.RawData))
}
