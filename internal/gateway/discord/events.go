package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/voicepool/internal/pool"
)

// Submitter accepts occupancy events. *pool.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, ev pool.Event) bool
}

// Translate turns one voice state change into occupancy events. A member
// moving between channels yields a join and a leave; an update that keeps
// the member in the same channel yields only the join.
func Translate(before, after string) []pool.Event {
	var events []pool.Event
	if after != "" {
		events = append(events, pool.Event{Kind: pool.Join, ChannelID: after})
	}
	if before != "" && before != after {
		events = append(events, pool.Event{Kind: pool.Leave, ChannelID: before})
	}
	return events
}

// Subscribe forwards voice state updates for the resolved guild to sub.
// Each update runs in its own handler goroutine, which waits on a full
// queue until ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, sub Submitter) {
	g.session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v.GuildID != g.GuildID() {
			return
		}
		before := ""
		if v.BeforeUpdate != nil {
			before = v.BeforeUpdate.ChannelID
		}
		if before != v.ChannelID {
			log.Debug().Str("user", v.UserID).Str("joined", v.ChannelID).Str("left", before).Msg("Voice state update")
		}
		for _, ev := range Translate(before, v.ChannelID) {
			sub.Submit(ctx, ev)
		}
	})
}
