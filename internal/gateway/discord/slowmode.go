package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// MaxSlowmodeSeconds is the largest per-user rate limit the platform accepts.
const MaxSlowmodeSeconds = 21600

var manageChannels int64 = discordgo.PermissionManageChannels

var slowmodeCommand = &discordgo.ApplicationCommand{
	Name:                     "slowmode",
	Description:              "Set the slowmode duration of a text channel",
	DefaultMemberPermissions: &manageChannels,
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "duration",
			Description: "Duration in seconds (0 to disable)",
			Required:    true,
		},
		{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  "Channel to be updated",
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
		},
	},
}

// SlowmodeReply validates a requested duration and builds the reply shown to
// the caller. apply is false when the duration is rejected.
func SlowmodeReply(duration int64, channelID string) (reply string, apply bool) {
	if duration < 0 || duration > MaxSlowmodeSeconds {
		return "Slowmode duration **cannot** exceed **6** hours (21600 seconds).", false
	}
	value := fmt.Sprintf("%d", duration)
	if duration == 0 {
		value = "disabled"
	}
	return fmt.Sprintf("Updated slowmode for channel <#%s> to **%s** seconds.", channelID, value), true
}

// RegisterCommands registers the slowmode command globally and installs its handler.
func (g *Gateway) RegisterCommands() error {
	if g.session.State.User == nil {
		return fmt.Errorf("register commands: session not ready")
	}
	if _, err := g.session.ApplicationCommandCreate(g.session.State.User.ID, "", slowmodeCommand); err != nil {
		return fmt.Errorf("register slowmode command: %w", err)
	}
	g.session.AddHandler(g.onInteraction)
	return nil
}

func (g *Gateway) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != slowmodeCommand.Name {
		return
	}

	var duration int64
	channelID := i.ChannelID
	for _, opt := range data.Options {
		switch opt.Name {
		case "duration":
			duration = opt.IntValue()
		case "channel":
			channelID = opt.ChannelValue(nil).ID
		}
	}

	reply, apply := SlowmodeReply(duration, channelID)
	if apply {
		limit := int(duration)
		if _, err := s.ChannelEdit(channelID, &discordgo.ChannelEdit{RateLimitPerUser: &limit}); err != nil {
			log.Error().Err(err).Str("channel", channelID).Msg("Failed to update slowmode")
			reply = "Failed to update slowmode for this channel."
		}
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to respond to slowmode command")
	}
}
