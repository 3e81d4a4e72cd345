package rooms

import "context"

// Occupant is the live voice state of one member in a channel.
type Occupant struct {
	UserID   string
	Bot      bool
	SelfMute bool
	Mute     bool
}

// Speaking reports whether the occupant could currently be heard.
func (o Occupant) Speaking() bool { return !o.SelfMute && !o.Mute }

// Channel is a voice channel as listed by the platform.
type Channel struct {
	ID   string
	Name string
}

// Platform is everything the coordinator needs from the chat platform.
// Implementations return errors wrapping ErrUnknownReference when the target
// no longer exists, and ErrPlatform for other failures.
type Platform interface {
	// CreateRoom creates a voice channel only ownerID may connect to and
	// returns its id.
	CreateRoom(ctx context.Context, name, ownerID string) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	// MoveMember moves userID into channelID; an empty channelID disconnects.
	MoveMember(ctx context.Context, userID, channelID string) error
	Occupants(ctx context.Context, channelID string) ([]Occupant, error)
	DirectMessage(ctx context.Context, userID, text string) error
	// SendCommand posts text to the recorder command channel.
	SendCommand(ctx context.Context, text string) error
	// ListRoomChannels returns voice channels whose name starts with prefix.
	ListRoomChannels(ctx context.Context, prefix string) ([]Channel, error)
}

// MembershipChange is a member moving between voice channels. An empty
// Before means the member connected; an empty After means they disconnected.
type MembershipChange struct {
	UserID string
	Bot    bool
	Before string
	After  string
}
