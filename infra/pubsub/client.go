package pubsub

import (
	"context"
	"fmt"

	"tradeflow/domain/trade"
)

// Asker delivers a request to the entity owning the message's instrument and waits for its reply.
type Asker interface {
	Ask(ctx context.Context, msg trade.WithInstrument) (any, error)
}

// EntityClient subscribes through the owning order book entity instead of a
// shared topic fabric. It never publishes.
type EntityClient struct {
	router Asker
}

func NewEntityClient(router Asker) *EntityClient {
	return &EntityClient{router: router}
}

func (c *EntityClient) Subscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	ctx, cancel := context.WithTimeout(ctx, SubscribeTimeout)
	defer cancel()

	reply, err := c.router.Ask(ctx, trade.TradeSubscribe{Instrument: instrument, Kinds: kinds, Subscriber: sub})
	if err != nil {
		return timeoutOr(ctx, err)
	}
	switch r := reply.(type) {
	case trade.TradeSubscribeAck:
		return nil
	case trade.TradeSubscribeNack:
		return fmt.Errorf("%w: %s", ErrNack, r.Reason)
	default:
		return fmt.Errorf("%w: unexpected reply %T", ErrNack, reply)
	}
}

func (c *EntityClient) Unsubscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	ctx, cancel := context.WithTimeout(ctx, SubscribeTimeout)
	defer cancel()

	reply, err := c.router.Ask(ctx, trade.TradeUnsubscribe{Instrument: instrument, Kinds: kinds, Subscriber: sub})
	if err != nil {
		return timeoutOr(ctx, err)
	}
	if _, ok := reply.(trade.TradeUnsubscribeAck); !ok {
		return fmt.Errorf("%w: unexpected reply %T", ErrNack, reply)
	}
	return nil
}

func timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
