package orderbook

import "github.com/shopspring/decimal"

// PriceLevel is a FIFO queue of resting orders at a single price.
type PriceLevel struct {
	Price decimal.Decimal

	head *restingOrder
	tail *restingOrder

	TotalQty   decimal.Decimal
	OrderCount int
}

func (p *PriceLevel) enqueue(o *restingOrder) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.TotalQty = p.TotalQty.Add(o.remaining)
	p.OrderCount++
}

func (p *PriceLevel) popHead() *restingOrder {
	o := p.head
	if o == nil {
		return nil
	}

	p.head = o.next
	if p.head != nil {
		p.head.prev = nil
	} else {
		p.tail = nil
	}
	o.next = nil
	o.prev = nil

	p.TotalQty = p.TotalQty.Sub(o.remaining)
	p.OrderCount--
	return o
}

// reduce accounts for qty filled on an order still queued at this level.
func (p *PriceLevel) reduce(qty decimal.Decimal) {
	p.TotalQty = p.TotalQty.Sub(qty)
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}
