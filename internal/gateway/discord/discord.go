// Package discord implements the pool gateway on top of a discordgo session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/voicepool/internal/gateway"
)

// Gateway talks to one guild through a bot session. The guild is learned
// from the container passed to Container.
type Gateway struct {
	session *discordgo.Session

	mu      sync.RWMutex
	guildID string

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a session for a bot token. Call Open to connect.
func New(token string) (*Gateway, error) {
	if token == "" {
		return nil, fmt.Errorf("discord token missing; set discord.token or DISCORD_TOKEN")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	s.StateEnabled = true
	s.State.TrackVoice = true
	s.State.TrackChannels = true

	g := &Gateway{session: s, ready: make(chan struct{})}
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Bot is ready")
		g.readyOnce.Do(func() { close(g.ready) })
	})
	return g, nil
}

func (g *Gateway) Name() string { return "discord" }

// Session exposes the underlying session for handler registration.
func (g *Gateway) Session() *discordgo.Session { return g.session }

func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error { return g.session.Close() }

// WaitReady blocks until the first Ready event or ctx is done.
func (g *Gateway) WaitReady(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for ready: %w", ctx.Err())
	}
}

// GuildID is empty until Container has resolved the category.
func (g *Gateway) GuildID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.guildID
}

func (g *Gateway) guild() (string, error) {
	id := g.GuildID()
	if id == "" {
		return "", errors.New("guild not resolved; container lookup must run first")
	}
	return id, nil
}

func (g *Gateway) Container(ctx context.Context, id string) (gateway.Channel, error) {
	ch, err := g.session.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Channel{}, mapErr(err)
	}
	if ch.GuildID == "" {
		return gateway.Channel{}, fmt.Errorf("channel %s is not a guild channel: %w", id, gateway.ErrNotFound)
	}
	g.mu.Lock()
	g.guildID = ch.GuildID
	g.mu.Unlock()
	return convert(ch), nil
}

// Channel prefers the session state and falls back to REST.
func (g *Gateway) Channel(ctx context.Context, id string) (gateway.Channel, error) {
	if ch, err := g.session.State.Channel(id); err == nil {
		return convert(ch), nil
	}
	ch, err := g.session.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Channel{}, mapErr(err)
	}
	return convert(ch), nil
}

func (g *Gateway) ListChannels(ctx context.Context, container string) ([]gateway.Channel, error) {
	guildID, err := g.guild()
	if err != nil {
		return nil, err
	}
	channels, err := g.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	var out []gateway.Channel
	for _, ch := range channels {
		if ch.ParentID == container {
			out = append(out, convert(ch))
		}
	}
	return out, nil
}

func (g *Gateway) CreateChannel(ctx context.Context, req gateway.CreateRequest) (gateway.Channel, error) {
	guildID, err := g.guild()
	if err != nil {
		return gateway.Channel{}, err
	}
	data := discordgo.GuildChannelCreateData{
		Name:      req.Name,
		Type:      channelType(req.Kind),
		ParentID:  req.ParentID,
		UserLimit: req.UserLimit,
	}
	ch, err := g.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Channel{}, mapErr(err)
	}
	return convert(ch), nil
}

func (g *Gateway) DeleteChannel(ctx context.Context, id string) error {
	if _, err := g.session.ChannelDelete(id, discordgo.WithContext(ctx)); err != nil {
		return mapErr(err)
	}
	return nil
}

// Members reads voice occupancy from the session state, which the gateway
// keeps current through voice state events.
func (g *Gateway) Members(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	guildID, err := g.guild()
	if err != nil {
		return nil, err
	}
	guild, err := g.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild state: %w", err)
	}

	g.session.State.RLock()
	defer g.session.State.RUnlock()
	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == id {
			users = append(users, vs.UserID)
		}
	}
	return users, nil
}

func (g *Gateway) ReorderChannels(ctx context.Context, container string, positions []gateway.Position) error {
	guildID, err := g.guild()
	if err != nil {
		return err
	}
	channels := make([]*discordgo.Channel, len(positions))
	for i, p := range positions {
		channels[i] = &discordgo.Channel{ID: p.ID, Position: p.Position}
	}
	if err := g.session.GuildChannelsReorder(guildID, channels, discordgo.WithContext(ctx)); err != nil {
		return mapErr(err)
	}
	return nil
}

func convert(ch *discordgo.Channel) gateway.Channel {
	return gateway.Channel{
		ID:        ch.ID,
		Name:      ch.Name,
		Kind:      kindOf(ch.Type),
		ParentID:  ch.ParentID,
		UserLimit: ch.UserLimit,
		Position:  ch.Position,
	}
}

func kindOf(t discordgo.ChannelType) gateway.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildVoice:
		return gateway.KindVoice
	case discordgo.ChannelTypeGuildText:
		return gateway.KindText
	case discordgo.ChannelTypeGuildCategory:
		return gateway.KindCategory
	default:
		return gateway.KindOther
	}
}

func channelType(k gateway.ChannelKind) discordgo.ChannelType {
	switch k {
	case gateway.KindText:
		return discordgo.ChannelTypeGuildText
	case gateway.KindCategory:
		return discordgo.ChannelTypeGuildCategory
	default:
		return discordgo.ChannelTypeGuildVoice
	}
}

func mapErr(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", gateway.ErrNotFound, err)
	}
	return err
}
