package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// LimitConfig defines pacing for outbound gateway calls.
type LimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
}

// DefaultLimitConfig returns sensible pacing defaults
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		RequestsPerSecond: 5,
		Burst:             5,
		CallTimeout:       15 * time.Second,
	}
}

// Limited wraps a Gateway so every call waits for a rate token and runs under
// a per-call timeout. Failed calls are not retried.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited creates a rate-limited gateway. Non-positive values fall back to defaults.
func NewLimited(next Gateway, cfg LimitConfig) *Limited {
	def := DefaultLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		timeout: cfg.CallTimeout,
	}
}

func (l *Limited) Name() string { return l.next.Name() }

// acquire blocks until a token is available and returns a context bounded by the call timeout.
func (l *Limited) acquire(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		log.Debug().Dur("sleep", waited).Str("op", op).Msg("Rate limiting gateway call")
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	return callCtx, cancel, nil
}

func (l *Limited) Container(ctx context.Context, id string) (Channel, error) {
	callCtx, cancel, err := l.acquire(ctx, "container")
	if err != nil {
		return Channel{}, err
	}
	defer cancel()
	return l.next.Container(callCtx, id)
}

func (l *Limited) Channel(ctx context.Context, id string) (Channel, error) {
	callCtx, cancel, err := l.acquire(ctx, "channel")
	if err != nil {
		return Channel{}, err
	}
	defer cancel()
	return l.next.Channel(callCtx, id)
}

func (l *Limited) ListChannels(ctx context.Context, container string) ([]Channel, error) {
	callCtx, cancel, err := l.acquire(ctx, "list channels")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.next.ListChannels(callCtx, container)
}

func (l *Limited) CreateChannel(ctx context.Context, req CreateRequest) (Channel, error) {
	callCtx, cancel, err := l.acquire(ctx, "create channel")
	if err != nil {
		return Channel{}, err
	}
	defer cancel()
	return l.next.CreateChannel(callCtx, req)
}

func (l *Limited) DeleteChannel(ctx context.Context, id string) error {
	callCtx, cancel, err := l.acquire(ctx, "delete channel")
	if err != nil {
		return err
	}
	defer cancel()
	return l.next.DeleteChannel(callCtx, id)
}

// Members is served from gateway state rather than a REST call, so it is not paced.
func (l *Limited) Members(ctx context.Context, id string) ([]string, error) {
	return l.next.Members(ctx, id)
}

func (l *Limited) ReorderChannels(ctx context.Context, container string, positions []Position) error {
	callCtx, cancel, err := l.acquire(ctx, "reorder channels")
	if err != nil {
		return err
	}
	defer cancel()
	return l.next.ReorderChannels(callCtx, container, positions)
}
