package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// WithInstrument is implemented by every instrument-scoped message.
type WithInstrument interface {
	InstrumentID() string
}

// Bid is a buy request; once accepted it is also the persisted event.
type Bid struct {
	Instrument string
	OrderID    string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TimeIssued time.Time
}

func (b Bid) InstrumentID() string { return b.Instrument }

// Equal compares instrument, price, quantity and order id.
func (b Bid) Equal(o Bid) bool {
	return b.Instrument == o.Instrument &&
		b.OrderID == o.OrderID &&
		b.Price.Equal(o.Price) &&
		b.Quantity.Equal(o.Quantity)
}

func (b Bid) ToOrder() Order {
	return Order{
		Side:             Buy,
		Instrument:       b.Instrument,
		OrderID:          b.OrderID,
		OriginalQuantity: b.Quantity,
		Price:            b.Price,
		TimeIssued:       b.TimeIssued,
	}
}

// Ask is a sell request; once accepted it is also the persisted event.
type Ask struct {
	Instrument string
	OrderID    string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TimeIssued time.Time
}

func (a Ask) InstrumentID() string { return a.Instrument }

// Equal compares instrument, price, quantity and order id.
func (a Ask) Equal(o Ask) bool {
	return a.Instrument == o.Instrument &&
		a.OrderID == o.OrderID &&
		a.Price.Equal(o.Price) &&
		a.Quantity.Equal(o.Quantity)
}

func (a Ask) ToOrder() Order {
	return Order{
		Side:             Sell,
		Instrument:       a.Instrument,
		OrderID:          a.OrderID,
		OriginalQuantity: a.Quantity,
		Price:            a.Price,
		TimeIssued:       a.TimeIssued,
	}
}

// Order is a resting or historical order. Only Fills grows over its lifetime.
type Order struct {
	Side             Side
	Instrument       string
	OrderID          string
	OriginalQuantity decimal.Decimal
	Price            decimal.Decimal
	TimeIssued       time.Time
	Fills            []Fill
}

func (o Order) InstrumentID() string { return o.Instrument }

func (o Order) FilledQuantity() decimal.Decimal {
	filled := decimal.Zero
	for _, f := range o.Fills {
		filled = filled.Add(f.Quantity)
	}
	return filled
}

func (o Order) RemainingQuantity() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.FilledQuantity())
}

func (o Order) Completed() bool {
	return !o.RemainingQuantity().IsPositive()
}

// Clone copies the fill slice so the result can be handed to other goroutines.
func (o Order) Clone() Order {
	if o.Fills != nil {
		o.Fills = append([]Fill(nil), o.Fills...)
	}
	return o
}

// Fill records quantity applied to one order by a counter order.
type Fill struct {
	OrderID    string
	Instrument string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	FilledByID string
	Timestamp  time.Time
	Partial    bool
}

func (f Fill) InstrumentID() string { return f.Instrument }

// Match describes one executed trade between a buy and a sell order.
type Match struct {
	Instrument      string
	BuyOrderID      string
	SellOrderID     string
	SettlementPrice decimal.Decimal
	Quantity        decimal.Decimal
	Timestamp       time.Time
}

func (m Match) InstrumentID() string { return m.Instrument }
