package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ob "tradeflow/domain/orderbook"
	"tradeflow/domain/trade"
	"tradeflow/infra/journal"
	journal_mock "tradeflow/infra/journal/mock"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/logger"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(_ string, ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		k, _ := trade.KindOf(ev)
		out = append(out, k.String())
	}
	return out
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func bid(id, price, qty string, at time.Time) trade.Bid {
	return trade.Bid{
		Instrument: "MSFT", OrderID: id,
		Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty),
		TimeIssued: at,
	}
}

func ask(id, price, qty string, at time.Time) trade.Ask {
	return trade.Ask{
		Instrument: "MSFT", OrderID: id,
		Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty),
		TimeIssued: at,
	}
}

func confirmable(id int64, msg trade.WithInstrument) trade.Confirmable {
	return trade.Confirmable{ConfirmationID: id, SenderID: "gateway-1", Message: msg}
}

func start(t *testing.T, store journal.Store, pub pubsub.Publisher, cfg Config) *Entity {
	t.Helper()
	e := New("MSFT", store, pub, logger.NewNop(), cfg, WithClock(func() time.Time { return t0 }))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func mustAsk(t *testing.T, e *Entity, msg any) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := e.Ask(ctx, msg)
	require.NoError(t, err)
	return r
}

func renderBook(s trade.OrderbookSnapshot) string {
	var b strings.Builder
	side := func(name string, orders []trade.Order) {
		b.WriteString(name)
		for _, o := range orders {
			fmt.Fprintf(&b, " %s@%s/%s", o.OrderID, o.Price, o.RemainingQuantity())
		}
		b.WriteString("\n")
	}
	side("asks", s.Asks)
	side("bids", s.Bids)
	fmt.Fprintf(&b, "qty %s/%s", s.AskQuantity, s.BidQuantity)
	return b.String()
}

func TestEntity_MatchAndConfirm(t *testing.T) {
	store := journal.NewMemoryStore()
	pub := &recorder{}
	e := start(t, store, pub, Config{})

	r := mustAsk(t, e, confirmable(100, bid("b1", "10.0", "1.0", t0)))
	assert.Equal(t, trade.Confirmation{ConfirmationID: 100, SenderID: "gateway-1"}, r)

	r = mustAsk(t, e, confirmable(101, ask("a1", "10.0", "1.0", t0.Add(time.Second))))
	assert.Equal(t, trade.Confirmation{ConfirmationID: 101, SenderID: "gateway-1"}, r)

	assert.Equal(t, []string{"bid", "ask", "fill", "fill", "match"}, pub.kinds())

	events := pub.all()
	restingFill := events[2].(trade.Fill)
	incomingFill := events[3].(trade.Fill)
	match := events[4].(trade.Match)

	assert.Equal(t, "b1", restingFill.OrderID)
	assert.Equal(t, "a1", restingFill.FilledByID)
	assert.Equal(t, "a1", incomingFill.OrderID)
	assert.False(t, restingFill.Partial)
	assert.Equal(t, "b1", match.BuyOrderID)
	assert.Equal(t, "a1", match.SellOrderID)
	assert.True(t, match.SettlementPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, match.Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, t0.Add(time.Second), match.Timestamp)

	snap := mustAsk(t, e, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot)
	assert.Empty(t, snap.Asks)
	assert.Empty(t, snap.Bids)

	recent := mustAsk(t, e, trade.GetRecentMatches{Instrument: "MSFT"}).(trade.RecentMatches)
	require.Len(t, recent.Matches, 1)
	assert.Equal(t, "b1", recent.Matches[0].BuyOrderID)

	entries, _ := store.Len(PersistenceID("MSFT"))
	assert.Equal(t, 5, entries)
}

func TestEntity_DuplicateConfirmableIsNotReapplied(t *testing.T) {
	store := journal.NewMemoryStore()
	pub := &recorder{}
	e := start(t, store, pub, Config{})

	msg := confirmable(7, bid("b1", "10", "1", t0))
	first := mustAsk(t, e, msg)
	second := mustAsk(t, e, msg)
	assert.Equal(t, first, second)

	entries, _ := store.Len(PersistenceID("MSFT"))
	assert.Equal(t, 1, entries)
	assert.Len(t, pub.all(), 1)

	snap := mustAsk(t, e, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot)
	assert.Len(t, snap.Bids, 1)
}

func TestEntity_DedupeSurvivesRestart(t *testing.T) {
	store := journal.NewMemoryStore()
	e := start(t, store, nil, Config{SnapshotInterval: 2})

	mustAsk(t, e, confirmable(1, bid("b1", "10", "1", t0)))
	mustAsk(t, e, confirmable(2, bid("b2", "11", "1", t0)))
	mustAsk(t, e, confirmable(3, bid("b3", "12", "1", t0)))
	e.Stop()

	restarted := start(t, store, nil, Config{SnapshotInterval: 2})
	for _, id := range []int64{1, 2, 3} {
		mustAsk(t, restarted, confirmable(id, bid(fmt.Sprintf("b%d", id), "10", "1", t0)))
	}
	snap := mustAsk(t, restarted, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot)
	assert.Len(t, snap.Bids, 3)
}

func TestEntity_RejectsInvalidAndForeignOrders(t *testing.T) {
	store := journal.NewMemoryStore()
	e := start(t, store, nil, Config{})
	ctx := context.Background()

	_, err := e.Ask(ctx, bid("b1", "10", "0", t0))
	assert.ErrorIs(t, err, ob.ErrInvalidOrder)

	foreign := bid("b2", "10", "1", t0)
	foreign.Instrument = "AAPL"
	_, err = e.Ask(ctx, foreign)
	assert.ErrorIs(t, err, ErrForeign)

	_, err = e.Ask(ctx, "hello")
	assert.ErrorIs(t, err, ErrUnhandled)

	entries, _ := store.Len(PersistenceID("MSFT"))
	assert.Zero(t, entries)
}

func TestEntity_PersistenceFailureRecoversAndDoesNotConfirm(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := journal_mock.NewMockStore(ctrl)

	store.EXPECT().LoadLatest(gomock.Any(), "MSFT-orderBook").Return(nil, nil, nil).Times(2)
	store.EXPECT().Append(gomock.Any(), "MSFT-orderBook", uint64(1), gomock.Len(1)).
		Return(errors.New("disk full"))

	pub := &recorder{}
	e := start(t, store, pub, Config{})

	_, err := e.Ask(context.Background(), confirmable(1, bid("b1", "10", "1", t0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, pub.all())

	snap := mustAsk(t, e, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot)
	assert.Empty(t, snap.Bids)
}

func TestEntity_CorruptionIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := journal_mock.NewMockStore(ctrl)

	gomock.InOrder(
		store.EXPECT().LoadLatest(gomock.Any(), "MSFT-orderBook").Return(nil, nil, nil),
		store.EXPECT().Append(gomock.Any(), "MSFT-orderBook", uint64(1), gomock.Any()).
			Return(errors.New("io error")),
		store.EXPECT().LoadLatest(gomock.Any(), "MSFT-orderBook").Return(nil, nil, journal.ErrCorrupt),
	)

	e := start(t, store, nil, Config{})

	_, err := e.Ask(context.Background(), bid("b1", "10", "1", t0))
	require.Error(t, err)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("entity did not stop")
	}
	assert.ErrorIs(t, e.Err(), journal.ErrCorrupt)

	_, err = e.Ask(context.Background(), trade.GetRecentMatches{Instrument: "MSFT"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEntity_StartFailsOnCorruptJournal(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := journal_mock.NewMockStore(ctrl)
	store.EXPECT().LoadLatest(gomock.Any(), "MSFT-orderBook").Return(nil, nil, journal.ErrCorrupt)

	e := New("MSFT", store, nil, logger.NewNop(), Config{})
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, journal.ErrCorrupt)
}

func TestEntity_SnapshotThenPrune(t *testing.T) {
	store := journal.NewMemoryStore()
	e := start(t, store, nil, Config{SnapshotInterval: 10})

	// Non-crossing bids, one event each.
	for i := 0; i < 25; i++ {
		mustAsk(t, e, bid(fmt.Sprintf("b%d", i), "10", "1", t0))
	}

	assert.Eventually(t, func() bool {
		entries, snapshots := store.Len(PersistenceID("MSFT"))
		return snapshots == 1 && entries <= 15
	}, 2*time.Second, 10*time.Millisecond)

	e.Stop()
	restarted := start(t, store, nil, Config{SnapshotInterval: 10})
	snap := mustAsk(t, restarted, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot)
	assert.Len(t, snap.Bids, 25)
	assert.Equal(t, "b0", snap.Bids[0].OrderID)
}

// workload is a deterministic mix of crossing and resting orders.
func workload(n int) []trade.WithInstrument {
	prices := []string{"9.5", "10", "10.25", "10.5", "11"}
	qtys := []string{"0.5", "1", "1.5", "2"}
	out := make([]trade.WithInstrument, 0, n)
	for i := 0; i < n; i++ {
		at := t0.Add(time.Duration(i) * time.Millisecond)
		p := prices[(i*7)%len(prices)]
		q := qtys[(i*3)%len(qtys)]
		id := fmt.Sprintf("o%d", i)
		if i%3 == 0 {
			out = append(out, ask(id, p, q, at))
		} else {
			out = append(out, bid(id, p, q, at))
		}
	}
	return out
}

func TestEntity_ReplayIsDeterministic(t *testing.T) {
	orders := workload(60)

	for _, interval := range []uint64{1, 3, 7, 16, 1000} {
		t.Run(fmt.Sprintf("snapshot-every-%d", interval), func(t *testing.T) {
			store := journal.NewMemoryStore()
			cfg := Config{SnapshotInterval: interval}
			live := start(t, store, nil, cfg)

			for _, o := range orders {
				mustAsk(t, live, o)
			}
			want := renderBook(mustAsk(t, live, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot))
			wantRecent := mustAsk(t, live, trade.GetRecentMatches{Instrument: "MSFT"}).(trade.RecentMatches)
			live.Stop()

			replayed := start(t, store, nil, cfg)
			got := renderBook(mustAsk(t, replayed, trade.GetOrderBookSnapshot{Instrument: "MSFT"}).(trade.OrderbookSnapshot))
			gotRecent := mustAsk(t, replayed, trade.GetRecentMatches{Instrument: "MSFT"}).(trade.RecentMatches)

			assert.Equal(t, want, got)
			require.Len(t, gotRecent.Matches, len(wantRecent.Matches))
			for i := range wantRecent.Matches {
				assert.Equal(t, wantRecent.Matches[i].BuyOrderID, gotRecent.Matches[i].BuyOrderID)
				assert.Equal(t, wantRecent.Matches[i].SellOrderID, gotRecent.Matches[i].SellOrderID)
				assert.True(t, wantRecent.Matches[i].Quantity.Equal(gotRecent.Matches[i].Quantity))
			}
		})
	}
}

func TestEntity_RecentMatchesIsBounded(t *testing.T) {
	e := start(t, journal.NewMemoryStore(), nil, Config{RecentMatches: 3})

	for i := 0; i < 5; i++ {
		mustAsk(t, e, bid(fmt.Sprintf("b%d", i), "10", "1", t0))
		mustAsk(t, e, ask(fmt.Sprintf("a%d", i), "10", "1", t0))
	}

	recent := mustAsk(t, e, trade.GetRecentMatches{Instrument: "MSFT"}).(trade.RecentMatches)
	require.Len(t, recent.Matches, 3)
	assert.Equal(t, "b2", recent.Matches[0].BuyOrderID)
	assert.Equal(t, "b4", recent.Matches[2].BuyOrderID)
}

func TestEntity_DirectSubscribers(t *testing.T) {
	e := start(t, journal.NewMemoryStore(), nil, Config{})
	ctx := context.Background()

	sub := pubsub.NewChanSubscriber(16)
	r := mustAsk(t, e, trade.TradeSubscribe{Instrument: "MSFT", Kinds: []trade.EventKind{trade.KindMatch}, Subscriber: sub})
	assert.IsType(t, trade.TradeSubscribeAck{}, r)

	r = mustAsk(t, e, trade.TradeSubscribe{Instrument: "MSFT", Kinds: trade.TradeKinds})
	nack, ok := r.(trade.TradeSubscribeNack)
	require.True(t, ok)
	assert.NotEmpty(t, nack.Reason)

	mustAsk(t, e, bid("b1", "10", "1", t0))
	mustAsk(t, e, ask("a1", "10", "1", t0))

	select {
	case ev := <-sub.C():
		assert.IsType(t, trade.Match{}, ev)
	case <-time.After(time.Second):
		t.Fatal("match not delivered")
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected %#v", ev)
	default:
	}

	n, err := e.Subscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub.Close()
	assert.Eventually(t, func() bool {
		n, err := e.Subscribers(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEntity_UnsubscribeIsIdempotent(t *testing.T) {
	e := start(t, journal.NewMemoryStore(), nil, Config{})
	sub := pubsub.NewChanSubscriber(4)
	t.Cleanup(sub.Close)

	mustAsk(t, e, trade.TradeSubscribe{Instrument: "MSFT", Kinds: trade.TradeKinds, Subscriber: sub})
	for i := 0; i < 2; i++ {
		r := mustAsk(t, e, trade.TradeUnsubscribe{Instrument: "MSFT", Kinds: trade.TradeKinds, Subscriber: sub})
		assert.IsType(t, trade.TradeUnsubscribeAck{}, r)
	}

	n, err := e.Subscribers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
