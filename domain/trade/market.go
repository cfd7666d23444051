package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceChanged carries the moving-average price at a publish tick.
type PriceChanged struct {
	Instrument      string
	CurrentAvgPrice decimal.Decimal
	Timestamp       time.Time
}

func (p PriceChanged) InstrumentID() string { return p.Instrument }

// VolumeChanged carries the moving-average volume at a publish tick.
type VolumeChanged struct {
	Instrument    string
	CurrentVolume decimal.Decimal
	Timestamp     time.Time
}

func (v VolumeChanged) InstrumentID() string { return v.Instrument }

type GetPriceAndVolume struct {
	Instrument string
}

func (g GetPriceAndVolume) InstrumentID() string { return g.Instrument }

// PriceAndVolume is the recent history kept by a match aggregator, oldest first.
type PriceAndVolume struct {
	Instrument    string
	PriceUpdates  []PriceChanged
	VolumeUpdates []VolumeChanged
}

func (p PriceAndVolume) InstrumentID() string { return p.Instrument }

// Empty reports whether p is the placeholder returned before any tick.
func (p PriceAndVolume) Empty() bool {
	return len(p.PriceUpdates) == 0 && len(p.VolumeUpdates) == 0
}
