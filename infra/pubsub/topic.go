package pubsub

import "tradeflow/domain/trade"

// Topic names the fan-out channel of (instrument, kind), e.g. "MSFT-price".
func Topic(instrument string, kind trade.EventKind) string {
	return instrument + "-" + kind.String()
}

// TopicOf derives the topic of a publishable event.
func TopicOf(instrument string, event any) (string, bool) {
	kind, ok := trade.KindOf(event)
	if !ok {
		return "", false
	}
	return Topic(instrument, kind), true
}
