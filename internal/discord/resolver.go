package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver turns ids into human names for log lines. Lookups are best
// effort and return "" when a name is unknown.
type NameResolver interface {
	UserName(userID string) string
	ChannelName(channelID string) string
}

// cacheTTL controls how long a resolved name is reused.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

type nameCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]cacheEntry
}

func newNameCache() *nameCache {
	return &nameCache{now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *nameCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiry) {
		delete(c.entries, id)
		return "", false
	}
	return e.val, true
}

func (c *nameCache) set(id, val string) {
	c.mu.Lock()
	c.entries[id] = cacheEntry{val: val, expiry: c.now().Add(cacheTTL)}
	c.mu.Unlock()
}

// resolve returns the cached name for id or asks each source in turn,
// caching the first non-empty answer.
func (c *nameCache) resolve(id string, sources ...func(string) string) string {
	if id == "" {
		return ""
	}
	if v, ok := c.get(id); ok {
		return v
	}
	for _, src := range sources {
		if v := src(id); v != "" {
			c.set(id, v)
			return v
		}
	}
	return ""
}

// SessionResolver reads names from the session state cache and falls back
// to REST.
type SessionResolver struct {
	s        *discordgo.Session
	guildID  string
	users    *nameCache
	channels *nameCache
}

func NewSessionResolver(s *discordgo.Session, guildID string) *SessionResolver {
	return &SessionResolver{s: s, guildID: guildID, users: newNameCache(), channels: newNameCache()}
}

func (r *SessionResolver) UserName(userID string) string {
	if r.s == nil {
		return ""
	}
	return r.users.resolve(userID, r.memberName, r.restUserName)
}

func (r *SessionResolver) ChannelName(channelID string) string {
	if r.s == nil {
		return ""
	}
	return r.channels.resolve(channelID, r.stateChannelName, r.restChannelName)
}

func (r *SessionResolver) memberName(userID string) string {
	if r.s.State == nil {
		return ""
	}
	m, err := r.s.State.Member(r.guildID, userID)
	if err != nil || m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		return m.User.Username
	}
	return ""
}

func (r *SessionResolver) restUserName(userID string) string {
	u, err := r.s.User(userID)
	if err != nil || u == nil {
		return ""
	}
	return u.Username
}

func (r *SessionResolver) stateChannelName(channelID string) string {
	if r.s.State == nil {
		return ""
	}
	if c, err := r.s.State.Channel(channelID); err == nil && c != nil {
		return c.Name
	}
	return ""
}

func (r *SessionResolver) restChannelName(channelID string) string {
	if c, err := r.s.Channel(channelID); err == nil && c != nil {
		return c.Name
	}
	return ""
}

// NoopResolver never resolves anything. Useful in tests.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) ChannelName(string) string { return "" }
