package codec

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/domain/trade"
)

func encodeOrderCommand(e *encoder, instrument, orderID string, price, qty decimal.Decimal, issued time.Time) {
	e.string(1, instrument)
	e.string(2, orderID)
	e.decimal(3, price)
	e.decimal(4, qty)
	e.time(5, issued)
}

func decodeOrderCommand(data []byte) (trade.Bid, error) {
	var c trade.Bid
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			c.Instrument = f.string()
		case 2:
			c.OrderID = f.string()
		case 3:
			c.Price, err = f.decimal()
		case 4:
			c.Quantity, err = f.decimal()
		case 5:
			c.TimeIssued = f.time()
		}
		return err
	})
	return c, err
}

func encodeOrder(e *encoder, o trade.Order) {
	e.varint(1, uint64(o.Side))
	e.string(2, o.Instrument)
	e.string(3, o.OrderID)
	e.decimal(4, o.OriginalQuantity)
	e.decimal(5, o.Price)
	e.time(6, o.TimeIssued)
	for _, f := range o.Fills {
		var sub encoder
		encodeFill(&sub, f)
		e.message(7, sub.b)
	}
}

func decodeOrder(data []byte) (trade.Order, error) {
	var o trade.Order
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			o.Side = trade.Side(f.u64)
		case 2:
			o.Instrument = f.string()
		case 3:
			o.OrderID = f.string()
		case 4:
			o.OriginalQuantity, err = f.decimal()
		case 5:
			o.Price, err = f.decimal()
		case 6:
			o.TimeIssued = f.time()
		case 7:
			var fill trade.Fill
			fill, err = decodeFill(f.raw)
			o.Fills = append(o.Fills, fill)
		}
		return err
	})
	return o, err
}

func encodeFill(e *encoder, f trade.Fill) {
	e.string(1, f.OrderID)
	e.string(2, f.Instrument)
	e.decimal(3, f.Quantity)
	e.decimal(4, f.Price)
	e.string(5, f.FilledByID)
	e.time(6, f.Timestamp)
	e.bool(7, f.Partial)
}

func decodeFill(data []byte) (trade.Fill, error) {
	var out trade.Fill
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			out.OrderID = f.string()
		case 2:
			out.Instrument = f.string()
		case 3:
			out.Quantity, err = f.decimal()
		case 4:
			out.Price, err = f.decimal()
		case 5:
			out.FilledByID = f.string()
		case 6:
			out.Timestamp = f.time()
		case 7:
			out.Partial = f.u64 != 0
		}
		return err
	})
	return out, err
}

func encodeMatch(e *encoder, m trade.Match) {
	e.string(1, m.Instrument)
	e.string(2, m.BuyOrderID)
	e.string(3, m.SellOrderID)
	e.decimal(4, m.SettlementPrice)
	e.decimal(5, m.Quantity)
	e.time(6, m.Timestamp)
}

func decodeMatch(data []byte) (trade.Match, error) {
	var m trade.Match
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Instrument = f.string()
		case 2:
			m.BuyOrderID = f.string()
		case 3:
			m.SellOrderID = f.string()
		case 4:
			m.SettlementPrice, err = f.decimal()
		case 5:
			m.Quantity, err = f.decimal()
		case 6:
			m.Timestamp = f.time()
		}
		return err
	})
	return m, err
}

func encodeSnapshot(e *encoder, s trade.OrderbookSnapshot) {
	e.string(1, s.Instrument)
	e.time(2, s.Timestamp)
	e.decimal(3, s.AskQuantity)
	e.decimal(4, s.BidQuantity)
	for _, o := range s.Asks {
		var sub encoder
		encodeOrder(&sub, o)
		e.message(5, sub.b)
	}
	for _, o := range s.Bids {
		var sub encoder
		encodeOrder(&sub, o)
		e.message(6, sub.b)
	}
}

func decodeSnapshot(data []byte) (trade.OrderbookSnapshot, error) {
	s := trade.OrderbookSnapshot{
		AskQuantity: decimal.Zero,
		BidQuantity: decimal.Zero,
		Asks:        []trade.Order{},
		Bids:        []trade.Order{},
	}
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			s.Instrument = f.string()
		case 2:
			s.Timestamp = f.time()
		case 3:
			s.AskQuantity, err = f.decimal()
		case 4:
			s.BidQuantity, err = f.decimal()
		case 5, 6:
			var o trade.Order
			if o, err = decodeOrder(f.raw); err != nil {
				return err
			}
			if f.num == 5 {
				s.Asks = append(s.Asks, o)
			} else {
				s.Bids = append(s.Bids, o)
			}
		}
		return err
	})
	return s, err
}

func decodeRecentMatches(data []byte) (trade.RecentMatches, error) {
	var r trade.RecentMatches
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			r.Instrument = f.string()
		case 2:
			m, err := decodeMatch(f.raw)
			if err != nil {
				return err
			}
			r.Matches = append(r.Matches, m)
		}
		return nil
	})
	return r, err
}

// Confirmable nests the wrapped command as (manifest, payload).
func (s Serializer) encodeConfirmable(e *encoder, c trade.Confirmable) error {
	if c.Message == nil {
		return fmt.Errorf("%w: confirmable without message", ErrUnsupported)
	}
	manifest, payload, err := s.Marshal(c.Message)
	if err != nil {
		return err
	}
	e.varint(1, uint64(c.ConfirmationID))
	e.string(2, c.SenderID)
	e.string(3, manifest)
	e.message(4, payload)
	return nil
}

func (s Serializer) decodeConfirmable(data []byte) (trade.Confirmable, error) {
	var (
		c        trade.Confirmable
		manifest string
		payload  []byte
	)
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			c.ConfirmationID = int64(f.u64)
		case 2:
			c.SenderID = f.string()
		case 3:
			manifest = f.string()
		case 4:
			payload = f.raw
		}
		return nil
	})
	if err != nil {
		return c, err
	}
	inner, err := s.Unmarshal(manifest, payload)
	if err != nil {
		return c, err
	}
	msg, ok := inner.(trade.WithInstrument)
	if !ok {
		return c, fmt.Errorf("%w: confirmable wraps %T", ErrUnsupported, inner)
	}
	c.Message = msg
	return c, nil
}

func decodeConfirmation(data []byte) (trade.Confirmation, error) {
	var c trade.Confirmation
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			c.ConfirmationID = int64(f.u64)
		case 2:
			c.SenderID = f.string()
		}
		return nil
	})
	return c, err
}

func encodePriceChanged(e *encoder, p trade.PriceChanged) {
	e.string(1, p.Instrument)
	e.decimal(2, p.CurrentAvgPrice)
	e.time(3, p.Timestamp)
}

func decodePriceChanged(data []byte) (trade.PriceChanged, error) {
	var p trade.PriceChanged
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			p.Instrument = f.string()
		case 2:
			p.CurrentAvgPrice, err = f.decimal()
		case 3:
			p.Timestamp = f.time()
		}
		return err
	})
	return p, err
}

func encodeVolumeChanged(e *encoder, v trade.VolumeChanged) {
	e.string(1, v.Instrument)
	e.decimal(2, v.CurrentVolume)
	e.time(3, v.Timestamp)
}

func decodeVolumeChanged(data []byte) (trade.VolumeChanged, error) {
	var v trade.VolumeChanged
	err := walk(data, func(f field) (err error) {
		switch f.num {
		case 1:
			v.Instrument = f.string()
		case 2:
			v.CurrentVolume, err = f.decimal()
		case 3:
			v.Timestamp = f.time()
		}
		return err
	})
	return v, err
}

func encodePriceAndVolume(e *encoder, p trade.PriceAndVolume) {
	e.string(1, p.Instrument)
	for _, x := range p.PriceUpdates {
		var sub encoder
		encodePriceChanged(&sub, x)
		e.message(2, sub.b)
	}
	for _, x := range p.VolumeUpdates {
		var sub encoder
		encodeVolumeChanged(&sub, x)
		e.message(3, sub.b)
	}
}

func decodePriceAndVolume(data []byte) (trade.PriceAndVolume, error) {
	var p trade.PriceAndVolume
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			p.Instrument = f.string()
		case 2:
			x, err := decodePriceChanged(f.raw)
			if err != nil {
				return err
			}
			p.PriceUpdates = append(p.PriceUpdates, x)
		case 3:
			x, err := decodeVolumeChanged(f.raw)
			if err != nil {
				return err
			}
			p.VolumeUpdates = append(p.VolumeUpdates, x)
		}
		return nil
	})
	return p, err
}

func encodeSubscription(e *encoder, instrument string, kinds []trade.EventKind, reason string) {
	e.string(1, instrument)
	for _, k := range kinds {
		e.varint(2, uint64(k))
	}
	e.string(3, reason)
}

func decodeSubscription(data []byte) (string, []trade.EventKind, string, error) {
	var (
		instrument, reason string
		kinds              []trade.EventKind
	)
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			instrument = f.string()
		case 2:
			kinds = append(kinds, trade.EventKind(f.u64))
		case 3:
			reason = f.string()
		}
		return nil
	})
	return instrument, kinds, reason, err
}
