package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/voicepool/internal/telemetry"
)

type EventKind int

const (
	Join EventKind = iota
	Leave
)

func (k EventKind) String() string {
	if k == Leave {
		return "leave"
	}
	return "join"
}

// Event is one occupancy change delivered by the gateway.
type Event struct {
	ID        string
	Kind      EventKind
	ChannelID string
}

// Handler reacts to occupancy events. *Manager implements it.
type Handler interface {
	OnJoin(ctx context.Context, channelID string) error
	OnLeave(ctx context.Context, channelID string) error
}

// Dispatcher feeds events from a bounded queue to a fixed set of workers.
// With a single worker events are handled strictly in submission order.
type Dispatcher struct {
	handler Handler
	queue   chan Event
	workers int
	metrics *telemetry.Collector
	dropped atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

func NewDispatcher(h Handler, queueSize, workers int, metrics *telemetry.Collector) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if metrics == nil {
		metrics = telemetry.GetGlobal()
	}
	return &Dispatcher{
		handler: h,
		queue:   make(chan Event, queueSize),
		workers: workers,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Submit enqueues ev, waiting for room when the queue is full. It gives up
// and returns false only when ctx is done or Run has returned. A leave lost
// this way is not reconciled until a later event touches the same channel.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.New().String()[:8]
	}
	select {
	case d.queue <- ev:
		return true
	default:
	}

	log.Debug().Str("event_id", ev.ID).Int("queued", len(d.queue)).Msg("Event queue full, waiting")
	select {
	case d.queue <- ev:
		return true
	case <-ctx.Done():
	case <-d.done:
	}
	d.dropped.Add(1)
	d.metrics.Counter("voicepool_events_dropped_total", 1, nil)
	log.Warn().Str("event_id", ev.ID).Str("kind", ev.Kind.String()).Str("channel", ev.ChannelID).Msg("Dispatcher stopping, dropping event")
	return false
}

// Dropped reports how many events Submit gave up on.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run handles events until ctx is cancelled and waits for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.queue:
					d.handle(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	d.doneOnce.Do(func() { close(d.done) })
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	ctx = WithEventID(ctx, ev.ID)

	var err error
	switch ev.Kind {
	case Join:
		err = d.handler.OnJoin(ctx, ev.ChannelID)
	case Leave:
		err = d.handler.OnLeave(ctx, ev.ChannelID)
	}
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Str("kind", ev.Kind.String()).Str("channel", ev.ChannelID).Msg("Error handling voice event")
	}
}
