package recorder

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-room-lab/internal/discord"
)

// Gateway is what a recorder needs from its Discord session.
type Gateway interface {
	// EnsurePermissions grants the recorder connect and speak on channelID.
	EnsurePermissions(ctx context.Context, channelID string) error
	JoinVoice(ctx context.Context, channelID string) (Conn, error)
	// Humans counts non-bot members in channelID.
	Humans(ctx context.Context, channelID string) (int, error)
}

// Conn is a joined voice connection.
type Conn interface {
	// Packets yields incoming Opus packets; it is closed when the
	// connection drops.
	Packets() <-chan *discordgo.Packet
	OnSpeaking(fn func(ssrc uint32, userID string))
	Disconnect() error
}

type sessionGateway struct {
	s        *discordgo.Session
	guildID  string
	platform *discord.Platform
}

// NewGateway backs a Gateway with a discordgo session.
func NewGateway(s *discordgo.Session, guildID string) Gateway {
	return &sessionGateway{
		s:        s,
		guildID:  guildID,
		platform: discord.NewPlatform(s, discord.PlatformConfig{GuildID: guildID}),
	}
}

func (g *sessionGateway) EnsurePermissions(ctx context.Context, channelID string) error {
	if g.s.State == nil || g.s.State.User == nil {
		return fmt.Errorf("session not ready")
	}
	allow := int64(discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak | discordgo.PermissionViewChannel)
	return g.s.ChannelPermissionSet(channelID, g.s.State.User.ID, discordgo.PermissionOverwriteTypeMember, allow, 0, discordgo.WithContext(ctx))
}

func (g *sessionGateway) JoinVoice(ctx context.Context, channelID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Self-mute: recorders never send audio. Deaf must stay off to receive.
	vc, err := g.s.ChannelVoiceJoin(g.guildID, channelID, true, false)
	if err != nil {
		return nil, err
	}
	return &voiceConn{vc: vc}, nil
}

func (g *sessionGateway) Humans(ctx context.Context, channelID string) (int, error) {
	occ, err := g.platform.Occupants(ctx, channelID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range occ {
		if !o.Bot {
			n++
		}
	}
	return n, nil
}

type voiceConn struct {
	vc *discordgo.VoiceConnection
}

func (c *voiceConn) Packets() <-chan *discordgo.Packet { return c.vc.OpusRecv }

func (c *voiceConn) OnSpeaking(fn func(ssrc uint32, userID string)) {
	c.vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		fn(uint32(su.SSRC), su.UserID)
	})
}

func (c *voiceConn) Disconnect() error { return c.vc.Disconnect() }
