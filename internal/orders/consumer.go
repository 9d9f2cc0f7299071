package orders

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// Consumer drains an order-update stream into the handler. The stream is
// owned by the transport (paper gateway or live order feed) and is never
// closed by the consumer side.
type Consumer struct {
	handler *Handler
	updates <-chan domain.OrderUpdate

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer binds a handler to an update stream.
func NewConsumer(handler *Handler, updates <-chan domain.OrderUpdate) *Consumer {
	return &Consumer{handler: handler, updates: updates}
}

// Name identifies the consumer in supervisor logs.
func (c *Consumer) Name() string { return "order-consumer" }

// Start launches the drain goroutine. The loop outlives the start
// context; Stop ends it.
func (c *Consumer) Start(context.Context) error {
	if c.handler == nil || c.updates == nil {
		return errors.New("order consumer: handler and updates channel required")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(runCtx)
	return nil
}

// Stop cancels the drain loop and waits for it within ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)
	log.Debug().Msg("Order consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Order consumer stopped")
			return
		case u, ok := <-c.updates:
			if !ok {
				log.Warn().Msg("Order update stream closed")
				return
			}
			c.handler.Apply(ctx, u)
		}
	}
}
