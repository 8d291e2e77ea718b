package domain

import "context"

// Conduit is the single operator-facing channel all notifications go to.
type Conduit interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	// Send delivers a payload and returns the ids of every message it took,
	// in order. A reply to any of them belongs to the payload.
	Send(ctx context.Context, p Payload) ([]int64, error)
	// Notify sends a plain status line that is not correlated with anything.
	Notify(ctx context.Context, text string) error
}
