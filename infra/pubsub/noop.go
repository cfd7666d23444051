package pubsub

import (
	"context"

	"tradeflow/domain/trade"
)

// Noop accepts every subscription and delivers nothing.
type Noop struct{}

func (Noop) Subscribe(context.Context, string, []trade.EventKind, trade.Subscriber) error {
	return nil
}

func (Noop) Unsubscribe(context.Context, string, []trade.EventKind, trade.Subscriber) error {
	return nil
}

func (Noop) Publish(string, any) {}
