package pool

import (
	"context"
	"errors"

	"github.com/3cpo-dev/voicepool/internal/gateway"
)

// Initialize rebuilds the pool from the channels already in the container,
// creates one channel for every tier that has none, then resyncs the order.
// Any error is fatal: event handling must not start.
func (m *Manager) Initialize(ctx context.Context) error {
	log := logger(ctx)
	log.Info().Str("container", m.container).Msg("Initializing voice pool")

	container, err := m.gw.Container(ctx, m.container)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return &ConfigurationError{ContainerID: m.container, Reason: "not found", Err: err}
		}
		return &BootstrapError{Op: "resolve container", Err: err}
	}
	if container.Kind != gateway.KindCategory {
		return &ConfigurationError{ContainerID: m.container, Reason: "not a category (got " + container.Kind.String() + ")"}
	}

	channels, err := m.gw.ListChannels(ctx, m.container)
	if err != nil {
		return &BootstrapError{Op: "list channels", Err: err}
	}
	log.Info().Int("count", len(channels)).Msg("Found channels in category")

	tiers := make(map[Tier][]string, len(Tiers()))
	for _, ch := range channels {
		if ch.Kind != gateway.KindVoice {
			continue
		}
		t, ok := TierOf(ch.Name)
		if !ok {
			continue
		}
		if len(tiers[t]) >= MaxChannelsPerTier {
			log.Warn().Str("channel", ch.ID).Str("tier", t.String()).Msg("Tier already full, leaving channel untracked")
			continue
		}
		tiers[t] = append(tiers[t], ch.ID)
		m.record(ctx, ActionAdopted, &t, ch.ID, ch.Name)
		log.Info().Str("channel", ch.ID).Str("name", ch.Name).Str("tier", t.String()).Msg("Loaded existing channel")
	}

	for _, t := range Tiers() {
		if len(tiers[t]) > 0 {
			continue
		}
		created, err := m.gw.CreateChannel(ctx, m.createRequest(t))
		if err != nil {
			return &BootstrapError{Op: "create " + t.String() + " channel", Err: err}
		}
		tiers[t] = append(tiers[t], created.ID)
		m.metrics.Counter("voicepool_channels_created_total", 1, map[string]string{"tier": t.String()})
		m.record(ctx, ActionCreated, &t, created.ID, "bootstrap")
		log.Info().Str("channel", created.ID).Str("name", created.Name).Str("tier", t.String()).Msg("Created new channel")
	}

	m.state.replace(tiers)
	for _, t := range Tiers() {
		m.observe(t)
	}

	if err := m.Resync(ctx); err != nil {
		return &BootstrapError{Op: "resync", Err: err}
	}

	m.ready.Store(true)
	log.Info().Msg("Voice pool initialized")
	return nil
}
