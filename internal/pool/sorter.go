package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/3cpo-dev/voicepool/internal/gateway"
)

// Resync pushes the canonical display order for the container's voice
// channels. A failed reorder only affects display and is logged, not returned.
func (m *Manager) Resync(ctx context.Context) error {
	start := time.Now()

	channels, err := m.gw.ListChannels(ctx, m.container)
	if err != nil {
		return fmt.Errorf("resync: list channels: %w", err)
	}

	positions := SortPositions(channels)
	if err := m.gw.ReorderChannels(ctx, m.container, positions); err != nil {
		logger(ctx).Error().Err(err).Int("channels", len(positions)).Msg("Failed to sort channels")
		m.metrics.Counter("voicepool_resync_failures_total", 1, nil)
		m.record(ctx, ActionResyncFailed, nil, "", err.Error())
		return nil
	}

	m.metrics.Timer("voicepool_resync_duration", time.Since(start), nil)
	return nil
}

// SortPositions orders voice channels by ascending user limit, unlimited
// first, keeping the listed order for equal limits, and numbers them from 0.
func SortPositions(channels []gateway.Channel) []gateway.Position {
	voice := make([]gateway.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Kind == gateway.KindVoice {
			voice = append(voice, ch)
		}
	}
	sort.SliceStable(voice, func(i, j int) bool { return voice[i].UserLimit < voice[j].UserLimit })

	positions := make([]gateway.Position, len(voice))
	for i, ch := range voice {
		positions[i] = gateway.Position{ID: ch.ID, Position: i}
	}
	return positions
}
