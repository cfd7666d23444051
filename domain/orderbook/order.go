package orderbook

import (
	"github.com/shopspring/decimal"

	"tradeflow/domain/trade"
)

// restingOrder is the book's mutable view of a trade.Order.
type restingOrder struct {
	order     trade.Order
	remaining decimal.Decimal

	next *restingOrder
	prev *restingOrder
}

func newRestingOrder(o trade.Order) *restingOrder {
	return &restingOrder{
		order:     o,
		remaining: o.RemainingQuantity(),
	}
}

func (o *restingOrder) apply(f trade.Fill) {
	o.order.Fills = append(o.order.Fills, f)
	o.remaining = o.remaining.Sub(f.Quantity)
}

func (o *restingOrder) done() bool {
	return !o.remaining.IsPositive()
}
