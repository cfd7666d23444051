package codec

import (
	"errors"
	"fmt"

	"tradeflow/domain/trade"
)

// SerializerID identifies this serializer inside envelopes.
const SerializerID = 517

const (
	ManifestOrder                = "O"
	ManifestAsk                  = "A"
	ManifestBid                  = "B"
	ManifestFill                 = "F"
	ManifestMatch                = "M"
	ManifestOrderbookSnapshot    = "OBS"
	ManifestGetOrderBookSnapshot = "GOBS"
	ManifestGetRecentMatches     = "GRM"
	ManifestRecentMatches        = "RM"
	ManifestConfirmable          = "CM"
	ManifestConfirmation         = "CF"
	ManifestPriceChanged         = "PC"
	ManifestVolumeChanged        = "VC"
	ManifestPriceAndVolume       = "PV"
	ManifestGetPriceAndVolume    = "GPV"
	ManifestTradeSubscribe       = "TS"
	ManifestTradeSubscribeAck    = "TSA"
	ManifestTradeSubscribeNack   = "TSN"
	ManifestTradeUnsubscribe     = "TU"
	ManifestTradeUnsubscribeAck  = "TUA"
)

var (
	ErrUnsupported = errors.New("codec: unsupported type")
	ErrEnvelope    = errors.New("codec: malformed envelope")
)

// Serializer maps domain messages to (manifest, bytes) pairs and back.
// Subscriber addresses are process-local and never leave the process.
type Serializer struct{}

func (Serializer) Identifier() int { return SerializerID }

func (Serializer) Manifest(v any) (string, error) {
	switch v.(type) {
	case trade.Order:
		return ManifestOrder, nil
	case trade.Ask:
		return ManifestAsk, nil
	case trade.Bid:
		return ManifestBid, nil
	case trade.Fill:
		return ManifestFill, nil
	case trade.Match:
		return ManifestMatch, nil
	case trade.OrderbookSnapshot:
		return ManifestOrderbookSnapshot, nil
	case trade.GetOrderBookSnapshot:
		return ManifestGetOrderBookSnapshot, nil
	case trade.GetRecentMatches:
		return ManifestGetRecentMatches, nil
	case trade.RecentMatches:
		return ManifestRecentMatches, nil
	case trade.Confirmable:
		return ManifestConfirmable, nil
	case trade.Confirmation:
		return ManifestConfirmation, nil
	case trade.PriceChanged:
		return ManifestPriceChanged, nil
	case trade.VolumeChanged:
		return ManifestVolumeChanged, nil
	case trade.PriceAndVolume:
		return ManifestPriceAndVolume, nil
	case trade.GetPriceAndVolume:
		return ManifestGetPriceAndVolume, nil
	case trade.TradeSubscribe:
		return ManifestTradeSubscribe, nil
	case trade.TradeSubscribeAck:
		return ManifestTradeSubscribeAck, nil
	case trade.TradeSubscribeNack:
		return ManifestTradeSubscribeNack, nil
	case trade.TradeUnsubscribe:
		return ManifestTradeUnsubscribe, nil
	case trade.TradeUnsubscribeAck:
		return ManifestTradeUnsubscribeAck, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// Marshal encodes v and returns its manifest.
func (s Serializer) Marshal(v any) (string, []byte, error) {
	manifest, err := s.Manifest(v)
	if err != nil {
		return "", nil, err
	}

	var e encoder
	switch m := v.(type) {
	case trade.Order:
		encodeOrder(&e, m)
	case trade.Ask:
		encodeOrderCommand(&e, m.Instrument, m.OrderID, m.Price, m.Quantity, m.TimeIssued)
	case trade.Bid:
		encodeOrderCommand(&e, m.Instrument, m.OrderID, m.Price, m.Quantity, m.TimeIssued)
	case trade.Fill:
		encodeFill(&e, m)
	case trade.Match:
		encodeMatch(&e, m)
	case trade.OrderbookSnapshot:
		encodeSnapshot(&e, m)
	case trade.GetOrderBookSnapshot:
		e.string(1, m.Instrument)
	case trade.GetRecentMatches:
		e.string(1, m.Instrument)
	case trade.RecentMatches:
		e.string(1, m.Instrument)
		for _, x := range m.Matches {
			var sub encoder
			encodeMatch(&sub, x)
			e.message(2, sub.b)
		}
	case trade.Confirmable:
		if err := s.encodeConfirmable(&e, m); err != nil {
			return "", nil, err
		}
	case trade.Confirmation:
		e.varint(1, uint64(m.ConfirmationID))
		e.string(2, m.SenderID)
	case trade.PriceChanged:
		encodePriceChanged(&e, m)
	case trade.VolumeChanged:
		encodeVolumeChanged(&e, m)
	case trade.PriceAndVolume:
		encodePriceAndVolume(&e, m)
	case trade.GetPriceAndVolume:
		e.string(1, m.Instrument)
	case trade.TradeSubscribe:
		encodeSubscription(&e, m.Instrument, m.Kinds, "")
	case trade.TradeSubscribeAck:
		encodeSubscription(&e, m.Instrument, m.Kinds, "")
	case trade.TradeSubscribeNack:
		encodeSubscription(&e, m.Instrument, m.Kinds, m.Reason)
	case trade.TradeUnsubscribe:
		encodeSubscription(&e, m.Instrument, m.Kinds, "")
	case trade.TradeUnsubscribeAck:
		encodeSubscription(&e, m.Instrument, m.Kinds, "")
	}
	return manifest, e.b, nil
}

// Unmarshal decodes data written by Marshal under the given manifest.
func (s Serializer) Unmarshal(manifest string, data []byte) (any, error) {
	switch manifest {
	case ManifestOrder:
		return decodeOrder(data)
	case ManifestAsk:
		c, err := decodeOrderCommand(data)
		return trade.Ask(c), err
	case ManifestBid:
		c, err := decodeOrderCommand(data)
		return trade.Bid(c), err
	case ManifestFill:
		return decodeFill(data)
	case ManifestMatch:
		return decodeMatch(data)
	case ManifestOrderbookSnapshot:
		return decodeSnapshot(data)
	case ManifestGetOrderBookSnapshot:
		id, err := decodeInstrumentOnly(data)
		return trade.GetOrderBookSnapshot{Instrument: id}, err
	case ManifestGetRecentMatches:
		id, err := decodeInstrumentOnly(data)
		return trade.GetRecentMatches{Instrument: id}, err
	case ManifestRecentMatches:
		return decodeRecentMatches(data)
	case ManifestConfirmable:
		return s.decodeConfirmable(data)
	case ManifestConfirmation:
		return decodeConfirmation(data)
	case ManifestPriceChanged:
		return decodePriceChanged(data)
	case ManifestVolumeChanged:
		return decodeVolumeChanged(data)
	case ManifestPriceAndVolume:
		return decodePriceAndVolume(data)
	case ManifestGetPriceAndVolume:
		id, err := decodeInstrumentOnly(data)
		return trade.GetPriceAndVolume{Instrument: id}, err
	case ManifestTradeSubscribe:
		id, kinds, _, err := decodeSubscription(data)
		return trade.TradeSubscribe{Instrument: id, Kinds: kinds}, err
	case ManifestTradeSubscribeAck:
		id, kinds, _, err := decodeSubscription(data)
		return trade.TradeSubscribeAck{Instrument: id, Kinds: kinds}, err
	case ManifestTradeSubscribeNack:
		id, kinds, reason, err := decodeSubscription(data)
		return trade.TradeSubscribeNack{Instrument: id, Kinds: kinds, Reason: reason}, err
	case ManifestTradeUnsubscribe:
		id, kinds, _, err := decodeSubscription(data)
		return trade.TradeUnsubscribe{Instrument: id, Kinds: kinds}, err
	case ManifestTradeUnsubscribeAck:
		id, kinds, _, err := decodeSubscription(data)
		return trade.TradeUnsubscribeAck{Instrument: id, Kinds: kinds}, err
	default:
		return nil, fmt.Errorf("%w: manifest %q", ErrUnsupported, manifest)
	}
}

// Envelope frames a message for transports that carry no manifest of their own:
// field 1 serializer id, field 2 manifest, field 3 payload.
func (s Serializer) Envelope(v any) ([]byte, error) {
	manifest, payload, err := s.Marshal(v)
	if err != nil {
		return nil, err
	}
	var e encoder
	e.varint(1, SerializerID)
	e.string(2, manifest)
	e.message(3, payload)
	return e.b, nil
}

// Open is the inverse of Envelope.
func (s Serializer) Open(b []byte) (any, error) {
	var (
		id       uint64
		manifest string
		payload  []byte
		seen     bool
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			id = f.u64
		case 2:
			manifest = f.string()
		case 3:
			payload, seen = f.raw, true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if id != SerializerID || !seen {
		return nil, fmt.Errorf("%w: serializer=%d manifest=%q", ErrEnvelope, id, manifest)
	}
	return s.Unmarshal(manifest, payload)
}

func decodeInstrumentOnly(data []byte) (string, error) {
	var id string
	err := walk(data, func(f field) error {
		if f.num == 1 {
			id = f.string()
		}
		return nil
	})
	return id, err
}
