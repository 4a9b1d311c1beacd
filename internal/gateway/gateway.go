package gateway

import (
	"context"
	"errors"
)

// ErrNotFound is wrapped by gateways when a channel id does not resolve.
var ErrNotFound = errors.New("channel not found")

// ChannelKind is the coarse kind of a remote channel.
type ChannelKind int

const (
	KindOther ChannelKind = iota
	KindText
	KindVoice
	KindCategory
)

func (k ChannelKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindVoice:
		return "voice"
	case KindCategory:
		return "category"
	default:
		return "other"
	}
}

// Channel is a remote channel as seen by the pool. UserLimit 0 means unlimited.
type Channel struct {
	ID        string
	Name      string
	Kind      ChannelKind
	ParentID  string
	UserLimit int
	Position  int
}

type CreateRequest struct {
	Name      string
	Kind      ChannelKind
	ParentID  string
	UserLimit int
}

// Position assigns a display position to a channel in a reorder call.
type Position struct {
	ID       string
	Position int
}

// Gateway is the remote channel API consumed by the pool.
type Gateway interface {
	Name() string
	Container(ctx context.Context, id string) (Channel, error)
	Channel(ctx context.Context, id string) (Channel, error)
	ListChannels(ctx context.Context, container string) ([]Channel, error)
	CreateChannel(ctx context.Context, req CreateRequest) (Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	Members(ctx context.Context, id string) ([]string, error)
	ReorderChannels(ctx context.Context, container string, positions []Position) error
}
