package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/3cpo-dev/voicepool/internal/gateway"
)

// OnJoin reacts to a member entering channelID. When every channel of the
// channel's tier is occupied and the tier is below MaxChannelsPerTier, a new
// spare is created.
//
// The spare search runs without holding the state lock, so two concurrent
// joins to one tier can both create a channel. The surplus is removed by the
// next leave that empties either of them.
func (m *Manager) OnJoin(ctx context.Context, channelID string) error {
	log := logger(ctx)

	t, ok, err := m.classify(ctx, channelID)
	if err != nil {
		return m.fail(ctx, "join", nil, channelID, err)
	}
	if !ok {
		log.Debug().Str("channel", channelID).Msg("Join in unmanaged channel")
		return nil
	}

	refs := m.state.Refs(t)
	if len(refs) >= MaxChannelsPerTier {
		log.Debug().Str("tier", t.String()).Int("channels", len(refs)).Msg("Tier at capacity, no spare created")
		return nil
	}

	for _, ref := range refs {
		members, err := m.gw.Members(ctx, ref)
		if err != nil {
			// unknown occupancy never triggers a create
			return m.fail(ctx, "join", &t, ref, fmt.Errorf("members: %w", err))
		}
		if len(members) == 0 {
			log.Debug().Str("tier", t.String()).Str("spare", ref).Msg("Spare channel available")
			return nil
		}
	}

	created, err := m.gw.CreateChannel(ctx, m.createRequest(t))
	if err != nil {
		return m.fail(ctx, "join", &t, channelID, fmt.Errorf("create channel: %w", err))
	}
	if err := m.state.Append(t, created.ID); err != nil {
		// A concurrent join filled the tier first; drop the surplus channel.
		log.Warn().Err(err).Str("channel", created.ID).Msg("Discarding channel created past tier capacity")
		if errors.Is(err, ErrTierFull) {
			if derr := m.gw.DeleteChannel(ctx, created.ID); derr != nil {
				return m.fail(ctx, "join", &t, created.ID, fmt.Errorf("delete surplus channel: %w", derr))
			}
		}
		return nil
	}

	m.metrics.Counter("voicepool_channels_created_total", 1, map[string]string{"tier": t.String()})
	m.observe(t)
	m.record(ctx, ActionCreated, &t, created.ID, "scale up")
	log.Info().Str("channel", created.ID).Str("name", created.Name).Str("tier", t.String()).Msg("Created new channel due to full occupancy")

	if err := m.Resync(ctx); err != nil {
		return m.fail(ctx, "join", &t, created.ID, err)
	}
	return nil
}

// OnLeave reacts to a member leaving channelID. An emptied channel is deleted
// unless it is the last one of its tier.
func (m *Manager) OnLeave(ctx context.Context, channelID string) error {
	log := logger(ctx)

	t, ok, err := m.classify(ctx, channelID)
	if err != nil {
		return m.fail(ctx, "leave", nil, channelID, err)
	}
	if !ok {
		log.Debug().Str("channel", channelID).Msg("Leave from unmanaged channel")
		return nil
	}

	members, err := m.gw.Members(ctx, channelID)
	if err != nil {
		return m.fail(ctx, "leave", &t, channelID, fmt.Errorf("members: %w", err))
	}
	if len(members) > 0 {
		return nil
	}

	if !m.state.Release(t, channelID) {
		log.Debug().Str("channel", channelID).Str("tier", t.String()).Msg("Keeping last channel of tier")
		return nil
	}
	m.observe(t)

	// The ref stays released even if the delete fails; a later event reconciles.
	if err := m.gw.DeleteChannel(ctx, channelID); err != nil {
		return m.fail(ctx, "leave", &t, channelID, fmt.Errorf("delete channel: %w", err))
	}

	m.metrics.Counter("voicepool_channels_deleted_total", 1, map[string]string{"tier": t.String()})
	m.record(ctx, ActionDeleted, &t, channelID, "scale down")
	log.Info().Str("channel", channelID).Str("tier", t.String()).Msg("Deleted empty channel")

	if err := m.Resync(ctx); err != nil {
		return m.fail(ctx, "leave", &t, channelID, err)
	}
	return nil
}

// classify resolves the tier of a voice channel inside the managed container.
func (m *Manager) classify(ctx context.Context, channelID string) (Tier, bool, error) {
	ch, err := m.gw.Channel(ctx, channelID)
	if err != nil {
		return 0, false, fmt.Errorf("channel %s: %w", channelID, err)
	}
	if ch.Kind != gateway.KindVoice || ch.ParentID != m.container {
		return 0, false, nil
	}
	t, ok := TierOf(ch.Name)
	return t, ok, nil
}

func (m *Manager) fail(ctx context.Context, op string, t *Tier, channelID string, err error) error {
	m.metrics.Counter("voicepool_handler_errors_total", 1, map[string]string{"op": op})
	m.record(ctx, ActionHandlerFailed, t, channelID, err.Error())
	return fmt.Errorf("%s: %w", op, err)
}
