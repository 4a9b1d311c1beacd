// Package pool keeps a self-scaling set of capacity-tiered voice channels
// inside one category. Each tier always has at least one channel, gains a
// new one when every channel in it is occupied, and loses channels as they
// empty, down to one.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/voicepool/internal/gateway"
	"github.com/3cpo-dev/voicepool/internal/telemetry"
)

// Journal actions.
const (
	ActionCreated       = "created"
	ActionDeleted       = "deleted"
	ActionAdopted       = "adopted"
	ActionResyncFailed  = "resync_failed"
	ActionHandlerFailed = "handler_failed"
)

// JournalEntry is one pool action recorded for audit.
type JournalEntry struct {
	EventID   string
	Action    string
	Tier      string
	ChannelID string
	Detail    string
	At        time.Time
}

// Journal records pool actions. It is write-only from the pool's point of view.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) error
}

// Manager owns the pool for a single container.
type Manager struct {
	gw        gateway.Gateway
	container string
	state     *State
	journal   Journal
	metrics   *telemetry.Collector
	ready     atomic.Bool
}

type Option func(*Manager)

func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

func WithMetrics(c *telemetry.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New creates a manager for container. Call Initialize before handling events.
func New(gw gateway.Gateway, container string, opts ...Option) *Manager {
	m := &Manager{
		gw:        gw,
		container: container,
		state:     NewState(),
		metrics:   telemetry.GetGlobal(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() *State { return m.state }

func (m *Manager) Container() string { return m.container }

// Ready reports whether Initialize has completed.
func (m *Manager) Ready() bool { return m.ready.Load() }

func (m *Manager) createRequest(t Tier) gateway.CreateRequest {
	return gateway.CreateRequest{
		Name:      ChannelName(t),
		Kind:      gateway.KindVoice,
		ParentID:  m.container,
		UserLimit: t.UserLimit(),
	}
}

func (m *Manager) record(ctx context.Context, action string, t *Tier, channelID, detail string) {
	if m.journal == nil {
		return
	}
	entry := JournalEntry{
		EventID:   EventID(ctx),
		Action:    action,
		ChannelID: channelID,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	if t != nil {
		entry.Tier = t.String()
	}
	if err := m.journal.Append(ctx, entry); err != nil {
		logger(ctx).Warn().Err(err).Str("action", action).Msg("Failed to journal pool action")
	}
}

func (m *Manager) observe(t Tier) {
	m.metrics.Gauge("voicepool_channels", float64(m.state.Len(t)), map[string]string{"tier": t.String()})
}

type eventIDKey struct{}

// WithEventID attaches a correlation id to ctx and to its logger.
func WithEventID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, eventIDKey{}, id)
	l := logger(ctx).With().Str("event_id", id).Logger()
	return l.WithContext(ctx)
}

// EventID returns the correlation id attached by WithEventID.
func EventID(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey{}).(string)
	return id
}

func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
