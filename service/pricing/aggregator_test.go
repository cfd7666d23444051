package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/infra/journal"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/logger"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func match(instrument, price, qty string) trade.Match {
	return trade.Match{
		Instrument:      instrument,
		BuyOrderID:      "b",
		SellOrderID:     "a",
		SettlementPrice: decimal.RequireFromString(price),
		Quantity:        decimal.RequireFromString(qty),
		Timestamp:       t0,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(_ string, ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

// testConfig never ticks on its own; tests drive ticks through the mailbox.
func testConfig() Config {
	return Config{
		Window:         3,
		History:        4,
		TickInterval:   time.Hour,
		SubscribeRetry: 10 * time.Millisecond,
		SnapshotEvery:  10,
	}
}

func start(t *testing.T, store journal.Store, subs pubsub.Subscriptions, pub pubsub.Publisher, cfg Config) *Aggregator {
	t.Helper()
	a := New("MSFT", store, subs, pub, logger.NewNop(), cfg, WithClock(func() time.Time { return t0 }))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func tickN(t *testing.T, a *Aggregator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := a.Ask(context.Background(), tick{})
		require.NoError(t, err)
	}
}

func tell(t *testing.T, a *Aggregator, msgs ...any) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, a.Tell(context.Background(), m))
	}
}

func TestMovingAverage_EvictsOldest(t *testing.T) {
	m := NewMovingAverage(3)
	assert.True(t, m.Current().IsZero())

	for _, v := range []int64{10, 11, 12, 13} {
		m.Add(decimal.NewFromInt(v))
	}
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Current().Equal(decimal.NewFromInt(12)), m.Current().String())
}

func TestAggregate_RejectsForeignMatch(t *testing.T) {
	a := NewAggregate("MSFT", 5)
	assert.False(t, a.WithMatch(match("AAPL", "1", "1")))
	assert.True(t, a.Empty())
	assert.True(t, a.WithMatch(match("MSFT", "10", "2")))

	price, volume := a.Metrics(t0)
	assert.True(t, price.CurrentAvgPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, volume.CurrentVolume.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, t0, price.Timestamp)
}

func TestAggregator_FetchIsEmptyBeforeFirstTick(t *testing.T) {
	a := start(t, journal.NewMemoryStore(), nil, nil, testConfig())

	pv, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, pv.Empty())
	assert.Equal(t, "MSFT", pv.Instrument)

	// A tick without any match publishes nothing.
	tickN(t, a, 1)
	pv, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, pv.Empty())
}

func TestAggregator_TickPublishesAverages(t *testing.T) {
	store := journal.NewMemoryStore()
	pub := &recorder{}
	a := start(t, store, nil, pub, testConfig())

	tell(t, a, match("MSFT", "10", "1"), match("MSFT", "12", "3"), match("AAPL", "99", "99"))
	tickN(t, a, 1)

	events := pub.all()
	require.Len(t, events, 2)
	price := events[0].(trade.PriceChanged)
	volume := events[1].(trade.VolumeChanged)
	assert.True(t, price.CurrentAvgPrice.Equal(decimal.NewFromInt(11)), price.CurrentAvgPrice.String())
	assert.True(t, volume.CurrentVolume.Equal(decimal.NewFromInt(2)), volume.CurrentVolume.String())

	pv, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, pv.PriceUpdates, 1)
	require.Len(t, pv.VolumeUpdates, 1)

	entries, _ := store.Len(PersistenceID("MSFT"))
	assert.Equal(t, 1, entries)
}

func TestAggregator_HistoryIsBounded(t *testing.T) {
	a := start(t, journal.NewMemoryStore(), nil, nil, testConfig())

	for i := 1; i <= 6; i++ {
		tell(t, a, match("MSFT", decimal.NewFromInt(int64(i)).String(), "1"))
		tickN(t, a, 1)
	}

	pv, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, pv.PriceUpdates, 4)
	// Window of 3: ticks 3..6 saw averages 2, 3, 4, 5.
	for i, want := range []int64{2, 3, 4, 5} {
		assert.True(t, pv.PriceUpdates[i].CurrentAvgPrice.Equal(decimal.NewFromInt(want)),
			"tick %d: %s", i, pv.PriceUpdates[i].CurrentAvgPrice)
	}
}

func TestAggregator_SubscribesToMatches(t *testing.T) {
	bus := pubsub.NewInMemory(logger.NewNop())
	a := start(t, journal.NewMemoryStore(), bus, bus, testConfig())
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		ok, err := a.Active(ctx)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	bus.Publish("MSFT", match("MSFT", "20", "2"))
	assert.Eventually(t, func() bool {
		if _, err := a.Ask(ctx, tick{}); err != nil {
			return false
		}
		pv, err := a.Fetch(ctx)
		return err == nil && !pv.Empty()
	}, 2*time.Second, 10*time.Millisecond)

	a.Stop()
	assert.Eventually(t, func() bool {
		return len(bus.Subscribers(pubsub.Topic("MSFT", trade.KindMatch))) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type flakySubscriptions struct {
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakySubscriptions) Subscribe(context.Context, string, []trade.EventKind, trade.Subscriber) error {
	n := f.attempts.Add(1)
	if n <= f.failures.Load() {
		return pubsub.ErrTimeout
	}
	return nil
}

func (f *flakySubscriptions) Unsubscribe(context.Context, string, []trade.EventKind, trade.Subscriber) error {
	return nil
}

func TestAggregator_RetriesSubscriptionAndBuffersMatches(t *testing.T) {
	subs := &flakySubscriptions{}
	subs.failures.Store(3)
	a := start(t, journal.NewMemoryStore(), subs, nil, testConfig())
	ctx := context.Background()

	// Still awaiting the subscription: direct matches are applied anyway.
	tell(t, a, match("MSFT", "10", "1"))

	assert.Eventually(t, func() bool {
		ok, err := a.Active(ctx)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), subs.attempts.Load())

	tickN(t, a, 1)
	pv, err := a.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, pv.PriceUpdates, 1)
	assert.True(t, pv.PriceUpdates[0].CurrentAvgPrice.Equal(decimal.NewFromInt(10)))
}

func TestAggregator_SnapshotsEveryNthWriteAndRecovers(t *testing.T) {
	store := journal.NewMemoryStore()
	a := start(t, store, nil, nil, testConfig())

	for i := 0; i < 25; i++ {
		tell(t, a, match("MSFT", "10", "1"))
		tickN(t, a, 1)
	}

	assert.Eventually(t, func() bool {
		entries, snapshots := store.Len(PersistenceID("MSFT"))
		return snapshots == 1 && entries <= 15
	}, 2*time.Second, 10*time.Millisecond)

	before, err := a.Fetch(context.Background())
	require.NoError(t, err)
	a.Stop()

	pub := &recorder{}
	restarted := start(t, store, nil, pub, testConfig())
	after, err := restarted.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, after.PriceUpdates, len(before.PriceUpdates))
	for i := range before.PriceUpdates {
		assert.True(t, before.PriceUpdates[i].CurrentAvgPrice.Equal(after.PriceUpdates[i].CurrentAvgPrice))
	}

	// The restored window keeps averaging without new matches.
	tickN(t, restarted, 1)
	events := pub.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].(trade.PriceChanged).CurrentAvgPrice.Equal(decimal.NewFromInt(10)))
}

func encodeV1(t *testing.T, avgPrice, avgVolume string, prices []trade.PriceChanged) []byte {
	t.Helper()
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, avgPrice)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, avgVolume)
	for _, p := range prices {
		_, payload, err := codec.Serializer{}.Marshal(p)
		require.NoError(t, err)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)

		_, payload, err = codec.Serializer{}.Marshal(trade.VolumeChanged{
			Instrument: p.Instrument, CurrentVolume: decimal.RequireFromString(avgVolume), Timestamp: p.Timestamp,
		})
		require.NoError(t, err)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func TestAggregator_MigratesV1Snapshot(t *testing.T) {
	store := journal.NewMemoryStore()
	ctx := context.Background()
	history := []trade.PriceChanged{
		{Instrument: "MSFT", CurrentAvgPrice: decimal.RequireFromString("10.5"), Timestamp: t0},
	}
	v1 := journal.Event{Manifest: manifestV1, Payload: encodeV1(t, "10.5", "2.25", history)}
	require.NoError(t, store.Append(ctx, PersistenceID("MSFT"), 1, []journal.Event{v1}))
	require.NoError(t, store.SaveSnapshot(ctx, PersistenceID("MSFT"), 1, v1))

	pub := &recorder{}
	a := start(t, store, nil, pub, testConfig())

	pv, err := a.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, pv.PriceUpdates, 1)
	assert.True(t, pv.PriceUpdates[0].CurrentAvgPrice.Equal(decimal.RequireFromString("10.5")))

	tickN(t, a, 1)
	events := pub.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].(trade.PriceChanged).CurrentAvgPrice.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, events[1].(trade.VolumeChanged).CurrentVolume.Equal(decimal.RequireFromString("2.25")))

	// The next write uses the current schema.
	_, entries, err := store.LoadLatest(ctx, PersistenceID("MSFT"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, manifestV2, entries[len(entries)-1].Manifest)
}

func TestAggregator_UnknownSnapshotIsCorrupt(t *testing.T) {
	store := journal.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, PersistenceID("MSFT"), 3, journal.Event{Manifest: "MAS9", Payload: []byte{1}}))

	a := New("MSFT", store, nil, nil, logger.NewNop(), testConfig())
	err := a.Start(ctx)
	assert.True(t, errors.Is(err, journal.ErrCorrupt))
}
