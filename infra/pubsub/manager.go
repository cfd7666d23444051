package pubsub

import (
	"context"
	"errors"
	"time"

	"tradeflow/domain/trade"
)

// SubscribeTimeout bounds one Subscribe/Unsubscribe round trip.
const SubscribeTimeout = 3 * time.Second

var (
	ErrTimeout = errors.New("pubsub: subscription timed out")
	ErrNack    = errors.New("pubsub: subscription rejected")
	ErrClosed  = errors.New("pubsub: manager closed")
)

// Subscriptions registers subscribers for (instrument, kind) topics.
// A failed Subscribe leaves none of the requested kinds registered.
type Subscriptions interface {
	Subscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error
	Unsubscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error
}

// Publisher fans an event out to the subscribers of its derived topic.
// Publish never blocks on subscribers.
type Publisher interface {
	Publish(instrument string, event any)
}

type Manager interface {
	Subscriptions
	Publisher
}

// SubscribeReply turns the outcome of a Subscribe into the Ack or Nack sent back to the requester.
func SubscribeReply(req trade.TradeSubscribe, err error) any {
	if err != nil {
		return trade.TradeSubscribeNack{Instrument: req.Instrument, Kinds: req.Kinds, Reason: err.Error()}
	}
	return trade.TradeSubscribeAck{Instrument: req.Instrument, Kinds: req.Kinds}
}
