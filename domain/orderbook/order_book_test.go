package orderbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/domain/trade"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func bid(id, price, qty string, at time.Time) trade.Bid {
	return trade.Bid{Instrument: "MSFT", OrderID: id, Price: d(price), Quantity: d(qty), TimeIssued: at}
}

func ask(id, price, qty string, at time.Time) trade.Ask {
	return trade.Ask{Instrument: "MSFT", OrderID: id, Price: d(price), Quantity: d(qty), TimeIssued: at}
}

func submit(t *testing.T, b *Book, cmd trade.WithInstrument) ([]trade.Fill, []trade.Match) {
	t.Helper()
	fills, matches, err := b.Submit(cmd)
	require.NoError(t, err)
	return fills, matches
}

func TestBook_FullMatch(t *testing.T) {
	b := New("MSFT")

	fills, matches := submit(t, b, bid("b1", "10.0", "1.0", t0))
	assert.Empty(t, fills)
	assert.Empty(t, matches)

	fills, matches = submit(t, b, ask("a1", "10.0", "1.0", t0))
	require.Len(t, fills, 2)
	require.Len(t, matches, 1)

	assert.Equal(t, "b1", fills[0].OrderID)
	assert.Equal(t, "a1", fills[0].FilledByID)
	assert.False(t, fills[0].Partial)
	assert.Equal(t, "a1", fills[1].OrderID)
	assert.Equal(t, "b1", fills[1].FilledByID)
	assert.False(t, fills[1].Partial)

	m := matches[0]
	assert.Equal(t, "b1", m.BuyOrderID)
	assert.Equal(t, "a1", m.SellOrderID)
	assert.True(t, m.SettlementPrice.Equal(d("10")))
	assert.True(t, m.Quantity.Equal(d("1")))
	assert.Equal(t, t0, m.Timestamp)

	snap := b.Snapshot(t0)
	assert.Empty(t, snap.Asks)
	assert.Empty(t, snap.Bids)
	assert.True(t, snap.AskQuantity.IsZero())
	assert.True(t, snap.BidQuantity.IsZero())
}

func TestBook_PartialFill(t *testing.T) {
	b := New("MSFT")
	submit(t, b, ask("a1", "10", "4", t0))

	fills, matches := submit(t, b, bid("b1", "11", "10", t0.Add(time.Second)))
	require.Len(t, matches, 1)
	require.Len(t, fills, 2)

	assert.Equal(t, "a1", fills[0].OrderID)
	assert.False(t, fills[0].Partial, "the smaller order is completed")
	assert.Equal(t, "b1", fills[1].OrderID)
	assert.True(t, fills[1].Partial, "the larger order keeps a remainder")
	assert.True(t, matches[0].SettlementPrice.Equal(d("10")), "trades at the resting price")

	snap := b.Snapshot(t0)
	require.Len(t, snap.Bids, 1)
	assert.Empty(t, snap.Asks)
	assert.True(t, snap.Bids[0].RemainingQuantity().Equal(d("6")))
	assert.True(t, snap.BidQuantity.Equal(d("6")))
	require.Len(t, snap.Bids[0].Fills, 1)
}

func TestBook_PriceThenTimePriority(t *testing.T) {
	b := New("MSFT")
	submit(t, b, ask("a-late-cheap", "9", "1", t0.Add(2*time.Second)))
	submit(t, b, ask("a-early", "10", "1", t0))
	submit(t, b, ask("a-second", "10", "1", t0.Add(time.Second)))

	_, matches := submit(t, b, bid("b1", "10", "3", t0.Add(3*time.Second)))
	require.Len(t, matches, 3)
	assert.Equal(t, "a-late-cheap", matches[0].SellOrderID)
	assert.Equal(t, "a-early", matches[1].SellOrderID)
	assert.Equal(t, "a-second", matches[2].SellOrderID)
}

func TestBook_NoCrossRests(t *testing.T) {
	b := New("MSFT")
	submit(t, b, bid("b1", "9.5", "2", t0))
	fills, matches := submit(t, b, ask("a1", "10", "2", t0))
	assert.Empty(t, fills)
	assert.Empty(t, matches)

	bb, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bb.Equal(d("9.5")))
	ba, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ba.Equal(d("10")))
}

func TestBook_AskSweepsBids(t *testing.T) {
	b := New("MSFT")
	submit(t, b, bid("b1", "10", "1", t0))
	submit(t, b, bid("b2", "11", "1", t0))

	fills, matches := submit(t, b, ask("a1", "10", "5", t0))
	require.Len(t, matches, 2)
	assert.Equal(t, "b2", matches[0].BuyOrderID, "highest bid first")
	assert.True(t, matches[0].SettlementPrice.Equal(d("11")))
	assert.Equal(t, "b1", matches[1].BuyOrderID)
	assert.True(t, fills[len(fills)-1].Partial)

	snap := b.Snapshot(t0)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.AskQuantity.Equal(d("3")))
}

func TestBook_Rejects(t *testing.T) {
	b := New("MSFT")

	_, _, err := b.Submit(trade.Bid{Instrument: "AAPL", OrderID: "x", Price: d("1"), Quantity: d("1")})
	assert.ErrorIs(t, err, ErrForeignInstrument)

	_, _, err = b.Submit(bid("zero", "1", "0", t0))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = b.Submit(trade.GetRecentMatches{Instrument: "MSFT"})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestFromSnapshot_PreservesQueue(t *testing.T) {
	b := New("MSFT")
	submit(t, b, ask("a1", "10", "2", t0))
	submit(t, b, ask("a2", "10", "2", t0))
	submit(t, b, bid("b0", "10", "1", t0)) // a1 now partially filled
	submit(t, b, bid("b1", "8", "1", t0))

	restored := FromSnapshot(b.Snapshot(t0))
	assert.Equal(t, normalize(b.Snapshot(t0)), normalize(restored.Snapshot(t0)))

	_, m1 := submit(t, b, bid("b2", "10", "2", t0))
	_, m2 := submit(t, restored, bid("b2", "10", "2", t0))
	assert.Equal(t, renderMatches(m1), renderMatches(m2))
	assert.Equal(t, "a1", m2[0].SellOrderID)
}

func TestBook_SnapshotIsACopy(t *testing.T) {
	b := New("MSFT")
	submit(t, b, ask("a1", "10", "2", t0))
	snap := b.Snapshot(t0)

	submit(t, b, bid("b1", "10", "1", t0))
	assert.Empty(t, snap.Asks[0].Fills)
}

// normalize renders a snapshot so numerically equal decimals compare equal.
func normalize(s trade.OrderbookSnapshot) []string {
	out := []string{s.Instrument, s.AskQuantity.String(), s.BidQuantity.String()}
	render := func(side string, orders []trade.Order) {
		for _, o := range orders {
			out = append(out, side+" "+o.OrderID+" "+o.Price.String()+" "+o.OriginalQuantity.String()+" rem="+o.RemainingQuantity().String())
			for _, f := range o.Fills {
				out = append(out, "  fill "+f.FilledByID+" "+f.Quantity.String()+" "+f.Price.String())
			}
		}
	}
	render("ask", s.Asks)
	render("bid", s.Bids)
	return out
}

func renderMatches(ms []trade.Match) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.BuyOrderID+"/"+m.SellOrderID+" "+m.Quantity.String()+"@"+m.SettlementPrice.String())
	}
	return out
}

// Within a price level the order that reached the book first is matched
// first, whatever its TimeIssued says. Arrival order is the journal order,
// so replay reproduces it exactly.
func TestBook_TiesGoByArrivalOrder(t *testing.T) {
	b := New("MSFT")
	submit(t, b, ask("late-issued", "10", "1", t0.Add(time.Minute)))
	submit(t, b, ask("early-issued", "10", "1", t0))

	fills, matches := submit(t, b, bid("b1", "10", "1", t0.Add(2*time.Minute)))
	require.Len(t, matches, 1)
	require.Len(t, fills, 2)
	assert.Equal(t, "late-issued", matches[0].SellOrderID)
	assert.Equal(t, "late-issued", fills[0].OrderID)

	snap := b.Snapshot(t0)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "early-issued", snap.Asks[0].OrderID)
}
