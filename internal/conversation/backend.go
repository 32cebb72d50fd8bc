package conversation

import (
	"context"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/transport"
)

// Subscription is a per-request push subscription handle. Done is closed
// once the reader has exited and no further events will be delivered.
type Subscription interface {
	Close()
	Done() <-chan struct{}
}

// Backend is the slice of the transport layer the conversation engine
// needs. transport.Client satisfies it via ClientBackend.
type Backend interface {
	Create(ctx context.Context, clip audio.Clip, hints map[string]string) (*transport.Response, error)
	Continue(ctx context.Context, requestID string, clip *audio.Clip, text string, explicit map[string]string) (*transport.Response, error)
	Confirm(ctx context.Context, requestID string) (*transport.Response, error)
	Cancel(ctx context.Context, requestID string) (*transport.Response, error)
	Subscribe(requestID string, fn func(transport.Response)) Subscription
}

// ClientBackend adapts transport.Client to the Backend interface.
type ClientBackend struct {
	*transport.Client
}

func (b ClientBackend) Subscribe(requestID string, fn func(transport.Response)) Subscription {
	return b.Client.Subscribe(requestID, fn)
}
