package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/domain/trade"
	"tradeflow/infra/memory"
)

// MovingAverage is a simple moving average over the last N samples.
type MovingAverage struct {
	window *memory.Ring[decimal.Decimal]
	sum    decimal.Decimal
}

func NewMovingAverage(n int) *MovingAverage {
	return &MovingAverage{window: memory.NewRing[decimal.Decimal](n), sum: decimal.Zero}
}

func (m *MovingAverage) Add(v decimal.Decimal) {
	if evicted, ok := m.window.Push(v); ok {
		m.sum = m.sum.Sub(evicted)
	}
	m.sum = m.sum.Add(v)
}

func (m *MovingAverage) Current() decimal.Decimal {
	if m.window.Len() == 0 {
		return decimal.Zero
	}
	return m.sum.Div(decimal.NewFromInt(int64(m.window.Len())))
}

func (m *MovingAverage) Len() int { return m.window.Len() }

// Samples returns the window, oldest first.
func (m *MovingAverage) Samples() []decimal.Decimal { return m.window.Slice() }

// Aggregate tracks the moving average settlement price and traded quantity of one instrument.
type Aggregate struct {
	instrument string
	price      *MovingAverage
	volume     *MovingAverage
}

func NewAggregate(instrument string, window int) *Aggregate {
	return &Aggregate{
		instrument: instrument,
		price:      NewMovingAverage(window),
		volume:     NewMovingAverage(window),
	}
}

// WithMatch folds m into the averages. Matches of other instruments are rejected.
func (a *Aggregate) WithMatch(m trade.Match) bool {
	if m.Instrument != a.instrument {
		return false
	}
	a.price.Add(m.SettlementPrice)
	a.volume.Add(m.Quantity)
	return true
}

func (a *Aggregate) Empty() bool { return a.price.Len() == 0 }

// Metrics samples the current averages as market events stamped with ts.
func (a *Aggregate) Metrics(ts time.Time) (trade.PriceChanged, trade.VolumeChanged) {
	return trade.PriceChanged{Instrument: a.instrument, CurrentAvgPrice: a.price.Current(), Timestamp: ts},
		trade.VolumeChanged{Instrument: a.instrument, CurrentVolume: a.volume.Current(), Timestamp: ts}
}
