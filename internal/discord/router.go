package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/rooms"
)

// MembershipHandler consumes voice membership changes.
type MembershipHandler interface {
	HandleMembershipChange(ctx context.Context, ev rooms.MembershipChange) error
}

// Router turns gateway voice state updates for one guild into
// rooms.MembershipChange values. Updates that do not change the member's
// channel (mute, deafen, stream toggles) are dropped; silence is sampled
// separately.
type Router struct {
	ctx      context.Context
	guildID  string
	handler  MembershipHandler
	resolver NameResolver
}

func NewRouter(ctx context.Context, guildID string, handler MembershipHandler, resolver NameResolver) *Router {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return &Router{ctx: ctx, guildID: guildID, handler: handler, resolver: resolver}
}

// OnVoiceStateUpdate is registered with Session.AddHandler.
func (r *Router) OnVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	ev, ok := r.translate(vs)
	if !ok {
		return
	}
	logging.Debugw("voice membership change", "user.id", ev.UserID, "before", ev.Before, "after", ev.After, "bot", ev.Bot)
	err := r.handler.HandleMembershipChange(r.ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, rooms.ErrCapacityExceeded):
		// Already reported to the member and logged by the coordinator.
	default:
		logging.Warnw("membership change failed", append(logging.UserFields(ev.UserID, r.resolver.UserName(ev.UserID)),
			"before", ev.Before, "after", ev.After, "err", err)...)
	}
}

func (r *Router) translate(vs *discordgo.VoiceStateUpdate) (rooms.MembershipChange, bool) {
	if vs == nil || vs.VoiceState == nil {
		return rooms.MembershipChange{}, false
	}
	if r.guildID != "" && vs.GuildID != r.guildID {
		return rooms.MembershipChange{}, false
	}
	ev := rooms.MembershipChange{
		UserID: vs.UserID,
		After:  vs.ChannelID,
	}
	if vs.BeforeUpdate != nil {
		ev.Before = vs.BeforeUpdate.ChannelID
	}
	if vs.Member != nil && vs.Member.User != nil {
		ev.Bot = vs.Member.User.Bot
	}
	if ev.UserID == "" || ev.Before == ev.After {
		return rooms.MembershipChange{}, false
	}
	return ev, true
}
