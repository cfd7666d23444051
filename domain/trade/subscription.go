package trade

import "fmt"

// EventKind is the topic discriminator for published events.
type EventKind uint8

const (
	KindAsk EventKind = iota + 1
	KindBid
	KindFill
	KindMatch
	KindPriceChange
	KindVolumeChange
)

var (
	TradeKinds  = []EventKind{KindAsk, KindBid, KindFill, KindMatch}
	MarketKinds = []EventKind{KindPriceChange, KindVolumeChange}
)

func (k EventKind) String() string {
	switch k {
	case KindAsk:
		return "ask"
	case KindBid:
		return "bid"
	case KindFill:
		return "fill"
	case KindMatch:
		return "match"
	case KindPriceChange:
		return "price"
	case KindVolumeChange:
		return "volume"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range append(append([]EventKind(nil), TradeKinds...), MarketKinds...) {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// KindOf derives the topic kind of a publishable event.
func KindOf(event any) (EventKind, bool) {
	switch event.(type) {
	case Ask:
		return KindAsk, true
	case Bid:
		return KindBid, true
	case Fill:
		return KindFill, true
	case Match:
		return KindMatch, true
	case PriceChanged:
		return KindPriceChange, true
	case VolumeChanged:
		return KindVolumeChange, true
	default:
		return 0, false
	}
}

// Subscriber is the address events are delivered to.
// Deliver must not block; Done is closed once the subscriber is gone.
type Subscriber interface {
	ID() string
	Deliver(event any) bool
	Done() <-chan struct{}
}

type TradeSubscribe struct {
	Instrument string
	Kinds      []EventKind
	Subscriber Subscriber
}

func (s TradeSubscribe) InstrumentID() string { return s.Instrument }

type TradeSubscribeAck struct {
	Instrument string
	Kinds      []EventKind
}

type TradeSubscribeNack struct {
	Instrument string
	Kinds      []EventKind
	Reason     string
}

type TradeUnsubscribe struct {
	Instrument string
	Kinds      []EventKind
	Subscriber Subscriber
}

func (u TradeUnsubscribe) InstrumentID() string { return u.Instrument }

type TradeUnsubscribeAck struct {
	Instrument string
	Kinds      []EventKind
}
