// Package memory is an in-process Gateway used by tests and the simulate command.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/3cpo-dev/voicepool/internal/gateway"
)

// Gateway keeps channels and voice members in memory.
type Gateway struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]gateway.Channel
	members  map[string][]string
	failures map[string]error
	reorders int

	// BeforeCreate, when set, runs before every channel creation outside the lock.
	BeforeCreate func()
}

func New() *Gateway {
	return &Gateway{
		nextID:   100,
		channels: map[string]gateway.Channel{},
		members:  map[string][]string{},
		failures: map[string]error{},
	}
}

func (g *Gateway) Name() string { return "memory" }

// AddChannel seeds a channel and returns it with its assigned id.
func (g *Gateway) AddChannel(ch gateway.Channel) gateway.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch.ID == "" {
		ch.ID = g.allocID()
	}
	g.channels[ch.ID] = ch
	return ch
}

// AddCategory seeds a category and returns its id.
func (g *Gateway) AddCategory(name string) string {
	return g.AddChannel(gateway.Channel{Name: name, Kind: gateway.KindCategory}).ID
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
// Ops: container, channel, list, create, delete, members, reorder.
func (g *Gateway) FailOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// Join moves user into channel, leaving any other channel.
func (g *Gateway) Join(user, channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeMember(user)
	g.members[channel] = append(g.members[channel], user)
}

// Leave removes user from whichever channel holds them.
func (g *Gateway) Leave(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeMember(user)
}

// Channels returns all channels under parent sorted by position, then id.
func (g *Gateway) Channels(parent string) []gateway.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.childrenLocked(parent)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Reorders reports how many reorder calls succeeded.
func (g *Gateway) Reorders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reorders
}

func (g *Gateway) Container(ctx context.Context, id string) (gateway.Channel, error) {
	return g.lookup(ctx, "container", id)
}

func (g *Gateway) Channel(ctx context.Context, id string) (gateway.Channel, error) {
	return g.lookup(ctx, "channel", id)
}

func (g *Gateway) lookup(ctx context.Context, op, id string) (gateway.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, op); err != nil {
		return gateway.Channel{}, err
	}
	ch, ok := g.channels[id]
	if !ok {
		return gateway.Channel{}, fmt.Errorf("%s: %w", id, gateway.ErrNotFound)
	}
	return ch, nil
}

func (g *Gateway) ListChannels(ctx context.Context, container string) ([]gateway.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "list"); err != nil {
		return nil, err
	}
	return g.childrenLocked(container), nil
}

func (g *Gateway) CreateChannel(ctx context.Context, req gateway.CreateRequest) (gateway.Channel, error) {
	if g.BeforeCreate != nil {
		g.BeforeCreate()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "create"); err != nil {
		return gateway.Channel{}, err
	}
	ch := gateway.Channel{
		ID:        g.allocID(),
		Name:      req.Name,
		Kind:      req.Kind,
		ParentID:  req.ParentID,
		UserLimit: req.UserLimit,
		Position:  len(g.channels),
	}
	g.channels[ch.ID] = ch
	return ch, nil
}

func (g *Gateway) DeleteChannel(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "delete"); err != nil {
		return err
	}
	if _, ok := g.channels[id]; !ok {
		return fmt.Errorf("%s: %w", id, gateway.ErrNotFound)
	}
	delete(g.channels, id)
	delete(g.members, id)
	return nil
}

func (g *Gateway) Members(ctx context.Context, id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "members"); err != nil {
		return nil, err
	}
	return append([]string(nil), g.members[id]...), nil
}

func (g *Gateway) ReorderChannels(ctx context.Context, container string, positions []gateway.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "reorder"); err != nil {
		return err
	}
	for _, p := range positions {
		ch, ok := g.channels[p.ID]
		if !ok {
			return fmt.Errorf("%s: %w", p.ID, gateway.ErrNotFound)
		}
		ch.Position = p.Position
		g.channels[p.ID] = ch
	}
	g.reorders++
	return nil
}

func (g *Gateway) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.failures[op]
}

func (g *Gateway) allocID() string {
	id := strconv.Itoa(g.nextID)
	g.nextID++
	return id
}

func (g *Gateway) childrenLocked(parent string) []gateway.Channel {
	var out []gateway.Channel
	for _, ch := range g.channels {
		if ch.ParentID == parent {
			out = append(out, ch)
		}
	}
	// map iteration is random; keep listing deterministic
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (g *Gateway) removeMember(user string) {
	for ch, users := range g.members {
		for i, u := range users {
			if u == user {
				g.members[ch] = append(users[:i:i], users[i+1:]...)
				return
			}
		}
	}
}

func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
