package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/domain/trade"
)

var (
	ErrForeignInstrument = errors.New("orderbook: order for a different instrument")
	ErrInvalidOrder      = errors.New("orderbook: invalid order")
)

// Book is the single-writer, deterministic limit order book of one instrument.
// Matching is price priority first, then arrival order within a price level.
type Book struct {
	instrument string

	bids *RBTree
	asks *RBTree

	bidQty decimal.Decimal
	askQty decimal.Decimal
}

func New(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       NewRBTree(),
		asks:       NewRBTree(),
		bidQty:     decimal.Zero,
		askQty:     decimal.Zero,
	}
}

func (b *Book) Instrument() string { return b.instrument }

// Submit applies a Bid or Ask. The unmatched remainder rests in the book.
//
// Each match step yields a Fill for the resting order, a Fill for the
// incoming order and one Match, in that order. Trades settle at the
// resting order's price and carry the incoming order's issue time, so
// re-submitting the same history produces identical events.
func (b *Book) Submit(cmd trade.WithInstrument) ([]trade.Fill, []trade.Match, error) {
	var o trade.Order
	switch c := cmd.(type) {
	case trade.Bid:
		o = c.ToOrder()
	case trade.Ask:
		o = c.ToOrder()
	default:
		return nil, nil, fmt.Errorf("%w: unsupported command %T", ErrInvalidOrder, cmd)
	}

	if o.Instrument != b.instrument {
		return nil, nil, fmt.Errorf("%w: %q is not %q", ErrForeignInstrument, o.Instrument, b.instrument)
	}
	if !o.OriginalQuantity.IsPositive() || o.Price.IsNegative() {
		return nil, nil, fmt.Errorf("%w: %s qty=%s price=%s", ErrInvalidOrder, o.OrderID, o.OriginalQuantity, o.Price)
	}

	incoming := newRestingOrder(o)
	fills, matches := b.match(incoming)

	if !incoming.done() {
		b.rest(incoming)
	}
	return fills, matches, nil
}

func (b *Book) match(in *restingOrder) ([]trade.Fill, []trade.Match) {
	var (
		fills   []trade.Fill
		matches []trade.Match
	)

	opposite := b.asks
	if in.order.Side == trade.Sell {
		opposite = b.bids
	}

	for !in.done() {
		best := b.bestOpposite(in.order.Side)
		if best == nil || !crosses(in.order, best.Price) {
			break
		}

		head := best.head
		qty := decimal.Min(in.remaining, head.remaining)
		ts := in.order.TimeIssued

		restFill := trade.Fill{
			OrderID:    head.order.OrderID,
			Instrument: b.instrument,
			Quantity:   qty,
			Price:      best.Price,
			FilledByID: in.order.OrderID,
			Timestamp:  ts,
			Partial:    head.remaining.Sub(qty).IsPositive(),
		}
		inFill := trade.Fill{
			OrderID:    in.order.OrderID,
			Instrument: b.instrument,
			Quantity:   qty,
			Price:      best.Price,
			FilledByID: head.order.OrderID,
			Timestamp:  ts,
			Partial:    in.remaining.Sub(qty).IsPositive(),
		}

		head.apply(restFill)
		in.apply(inFill)
		best.reduce(qty)
		b.reduceSide(head.order.Side, qty)

		m := trade.Match{
			Instrument:      b.instrument,
			SettlementPrice: best.Price,
			Quantity:        qty,
			Timestamp:       ts,
		}
		if in.order.Side == trade.Buy {
			m.BuyOrderID, m.SellOrderID = in.order.OrderID, head.order.OrderID
		} else {
			m.BuyOrderID, m.SellOrderID = head.order.OrderID, in.order.OrderID
		}

		fills = append(fills, restFill, inFill)
		matches = append(matches, m)

		if head.done() {
			best.popHead()
			if best.Empty() {
				opposite.Delete(best.Price)
			}
		}
	}
	return fills, matches
}

func (b *Book) bestOpposite(side trade.Side) *PriceLevel {
	if side == trade.Buy {
		return b.asks.BestMin()
	}
	return b.bids.BestMax()
}

func crosses(o trade.Order, levelPrice decimal.Decimal) bool {
	if o.Side == trade.Buy {
		return levelPrice.LessThanOrEqual(o.Price)
	}
	return levelPrice.GreaterThanOrEqual(o.Price)
}

func (b *Book) rest(o *restingOrder) {
	if o.order.Side == trade.Buy {
		b.bids.GetOrCreate(o.order.Price).enqueue(o)
		b.bidQty = b.bidQty.Add(o.remaining)
		return
	}
	b.asks.GetOrCreate(o.order.Price).enqueue(o)
	b.askQty = b.askQty.Add(o.remaining)
}

func (b *Book) reduceSide(side trade.Side, qty decimal.Decimal) {
	if side == trade.Buy {
		b.bidQty = b.bidQty.Sub(qty)
		return
	}
	b.askQty = b.askQty.Sub(qty)
}

// ---- queries ----

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	lvl := b.bids.BestMax()
	if lvl == nil {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lvl := b.asks.BestMin()
	if lvl == nil {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// Snapshot copies the resting state. It has no side effects.
func (b *Book) Snapshot(ts time.Time) trade.OrderbookSnapshot {
	snap := trade.OrderbookSnapshot{
		Instrument:  b.instrument,
		Timestamp:   ts,
		AskQuantity: b.askQty,
		BidQuantity: b.bidQty,
		Asks:        make([]trade.Order, 0, b.asks.Len()),
		Bids:        make([]trade.Order, 0, b.bids.Len()),
	}

	b.asks.walkAsc(func(lvl *PriceLevel) {
		for o := lvl.head; o != nil; o = o.next {
			snap.Asks = append(snap.Asks, o.order.Clone())
		}
	})
	b.bids.walkDesc(func(lvl *PriceLevel) {
		for o := lvl.head; o != nil; o = o.next {
			snap.Bids = append(snap.Bids, o.order.Clone())
		}
	})
	return snap
}

// FromSnapshot rebuilds a book. Orders keep the queue position implied by
// their position in the snapshot.
func FromSnapshot(snap trade.OrderbookSnapshot) *Book {
	b := New(snap.Instrument)
	for _, o := range snap.Asks {
		o.Side = trade.Sell
		b.restClone(o)
	}
	for _, o := range snap.Bids {
		o.Side = trade.Buy
		b.restClone(o)
	}
	return b
}

func (b *Book) restClone(o trade.Order) {
	ro := newRestingOrder(o.Clone())
	if ro.done() {
		return
	}
	b.rest(ro)
}
