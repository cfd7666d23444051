package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderbookSnapshot is a point-in-time materialization of a book.
// Asks are ordered best (lowest) first, bids best (highest) first.
type OrderbookSnapshot struct {
	Instrument  string
	Timestamp   time.Time
	AskQuantity decimal.Decimal
	BidQuantity decimal.Decimal
	Asks        []Order
	Bids        []Order
}

func (s OrderbookSnapshot) InstrumentID() string { return s.Instrument }

type GetOrderBookSnapshot struct {
	Instrument string
}

func (g GetOrderBookSnapshot) InstrumentID() string { return g.Instrument }

type GetRecentMatches struct {
	Instrument string
}

func (g GetRecentMatches) InstrumentID() string { return g.Instrument }

// RecentMatches answers GetRecentMatches, oldest first.
type RecentMatches struct {
	Instrument string
	Matches    []Match
}

func (r RecentMatches) InstrumentID() string { return r.Instrument }

// Confirmable wraps a command whose sender wants a Confirmation once it is durable.
type Confirmable struct {
	ConfirmationID int64
	SenderID       string
	Message        WithInstrument
}

func (c Confirmable) InstrumentID() string {
	if c.Message == nil {
		return ""
	}
	return c.Message.InstrumentID()
}

// Confirmation acknowledges a persisted Confirmable.
type Confirmation struct {
	ConfirmationID int64
	SenderID       string
}
