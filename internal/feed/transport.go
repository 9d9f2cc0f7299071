package feed

import (
	"context"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// SubscriptionAction distinguishes subscribe from unsubscribe frames.
type SubscriptionAction string

const (
	ActionSubscribe   SubscriptionAction = "subscribe"
	ActionUnsubscribe SubscriptionAction = "unsubscribe"
)

// SubscriptionRequest is one upstream control frame. The hub caps
// Instruments at the configured batch size before handing it over.
type SubscriptionRequest struct {
	Action      SubscriptionAction
	Instruments []domain.InstrumentKey
}

// Transport is a single upstream streaming connection. The hub owns
// exactly one while running and drives reconnects itself; a Transport
// does not retry on its own.
type Transport interface {
	// Connect establishes the connection. Calling Connect on a live
	// transport is an error.
	Connect(ctx context.Context) error

	// Send writes one control frame.
	Send(ctx context.Context, req SubscriptionRequest) error

	// ReadTick blocks for the next decoded tick. Control frames are
	// consumed internally. A returned error means the connection is
	// unusable and must be closed and re-established.
	ReadTick(ctx context.Context) (domain.Tick, error)

	// Close tears the connection down. Idempotent.
	Close() error

	// IsConnected reports transport-level connectivity.
	IsConnected() bool
}
