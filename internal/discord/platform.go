// Package discord adapts a discordgo session to the room coordinator: it
// implements rooms.Platform over the REST API and the state cache, and
// routes gateway voice events into rooms.MembershipChange values.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-room-lab/internal/rooms"
)

type PlatformConfig struct {
	GuildID          string
	LobbyChannelID   string
	CommandChannelID string
	// UserLimit caps members per room; zero leaves it unlimited.
	UserLimit int
	// WorkerIDs are granted connect and view on every room.
	WorkerIDs []string
}

// Platform implements rooms.Platform for one guild.
type Platform struct {
	s   *discordgo.Session
	cfg PlatformConfig

	mu         sync.Mutex
	dmChannels map[string]string
}

var _ rooms.Platform = (*Platform)(nil)

func NewPlatform(s *discordgo.Session, cfg PlatformConfig) *Platform {
	return &Platform{s: s, cfg: cfg, dmChannels: make(map[string]string)}
}

// CreateRoom creates a voice channel only ownerID (plus the recorders and
// the bot itself) may connect to. Rooms land in the lobby's category.
func (p *Platform) CreateRoom(ctx context.Context, name, ownerID string) (string, error) {
	memberAllow := int64(discordgo.PermissionVoiceConnect | discordgo.PermissionViewChannel)
	overwrites := []*discordgo.PermissionOverwrite{
		{ID: p.cfg.GuildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionVoiceConnect},
		{ID: ownerID, Type: discordgo.PermissionOverwriteTypeMember, Allow: memberAllow},
	}
	for _, id := range p.cfg.WorkerIDs {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID: id, Type: discordgo.PermissionOverwriteTypeMember, Allow: memberAllow | discordgo.PermissionVoiceSpeak,
		})
	}
	if self := p.selfID(); self != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID: self, Type: discordgo.PermissionOverwriteTypeMember,
			Allow: memberAllow | discordgo.PermissionVoiceMoveMembers | discordgo.PermissionManageChannels,
		})
	}
	ch, err := p.s.GuildChannelCreateComplex(p.cfg.GuildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		UserLimit:            p.cfg.UserLimit,
		ParentID:             p.lobbyParent(),
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("create channel", err)
	}
	return ch.ID, nil
}

func (p *Platform) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := p.s.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return classify("delete channel", err)
}

// MoveMember moves userID into channelID, or disconnects them from voice
// when channelID is empty.
func (p *Platform) MoveMember(ctx context.Context, userID, channelID string) error {
	var target *string
	if channelID != "" {
		target = &channelID
	}
	return classify("move member", p.s.GuildMemberMove(p.cfg.GuildID, userID, target, discordgo.WithContext(ctx)))
}

// Occupants reads the voice states of channelID from the state cache, which
// discordgo updates before dispatching each VoiceStateUpdate.
func (p *Platform) Occupants(ctx context.Context, channelID string) ([]rooms.Occupant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := p.s.State
	if _, err := st.Channel(channelID); err != nil {
		return nil, fmt.Errorf("%w: channel %s not in state", rooms.ErrUnknownReference, channelID)
	}
	g, err := st.Guild(p.cfg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("%w: guild %s: %w", rooms.ErrPlatform, p.cfg.GuildID, err)
	}

	type entry struct {
		vs     discordgo.VoiceState
		member *discordgo.Member
	}
	var entries []entry
	st.RLock()
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID == channelID {
			entries = append(entries, entry{vs: *vs, member: vs.Member})
		}
	}
	st.RUnlock()

	out := make([]rooms.Occupant, 0, len(entries))
	for _, e := range entries {
		out = append(out, rooms.Occupant{
			UserID:   e.vs.UserID,
			Bot:      p.isBot(e.vs.UserID, e.member),
			SelfMute: e.vs.SelfMute,
			Mute:     e.vs.Mute,
		})
	}
	return out, nil
}

func (p *Platform) isBot(userID string, m *discordgo.Member) bool {
	if m != nil && m.User != nil {
		return m.User.Bot
	}
	if cached, err := p.s.State.Member(p.cfg.GuildID, userID); err == nil && cached.User != nil {
		return cached.User.Bot
	}
	return false
}

func (p *Platform) DirectMessage(ctx context.Context, userID, text string) error {
	channelID, err := p.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	_, err = p.s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return classify("send direct message", err)
}

func (p *Platform) dmChannel(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	id, ok := p.dmChannels[userID]
	p.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := p.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("open direct message channel", err)
	}
	p.mu.Lock()
	p.dmChannels[userID] = ch.ID
	p.mu.Unlock()
	return ch.ID, nil
}

// SendCommand posts text to the recorder command channel.
func (p *Platform) SendCommand(ctx context.Context, text string) error {
	if p.cfg.CommandChannelID == "" {
		return fmt.Errorf("%w: no command channel configured", rooms.ErrPlatform)
	}
	_, err := p.s.ChannelMessageSend(p.cfg.CommandChannelID, text, discordgo.WithContext(ctx))
	return classify("send command", err)
}

// ListRoomChannels lists guild voice channels whose name starts with prefix.
func (p *Platform) ListRoomChannels(ctx context.Context, prefix string) ([]rooms.Channel, error) {
	channels, err := p.s.GuildChannels(p.cfg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("list channels", err)
	}
	var out []rooms.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice && strings.HasPrefix(ch.Name, prefix) {
			out = append(out, rooms.Channel{ID: ch.ID, Name: ch.Name})
		}
	}
	return out, nil
}

func (p *Platform) selfID() string {
	if p.s.State == nil {
		return ""
	}
	p.s.State.RLock()
	defer p.s.State.RUnlock()
	if p.s.State.User == nil {
		return ""
	}
	return p.s.State.User.ID
}

func (p *Platform) lobbyParent() string {
	if p.cfg.LobbyChannelID == "" || p.s.State == nil {
		return ""
	}
	if ch, err := p.s.State.Channel(p.cfg.LobbyChannelID); err == nil {
		return ch.ParentID
	}
	return ""
}

// classify wraps a discordgo error. Missing channels, members and users, and
// members no longer in voice, become rooms.ErrUnknownReference.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %w", rooms.ErrUnknownReference, op, err)
		}
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMember,
				discordgo.ErrCodeUnknownUser, discordgo.ErrCodeTargetIsNotConnectedToVoice:
				return fmt.Errorf("%w: %s: %w", rooms.ErrUnknownReference, op, err)
			}
		}
	}
	return fmt.Errorf("%w: %s: %w", rooms.ErrPlatform, op, err)
}
