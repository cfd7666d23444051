package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tradeflow/domain/trade"
	"tradeflow/infra/journal"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/logger"
	"tradeflow/service/orderbook"
	"tradeflow/service/pricing"
	"tradeflow/service/region"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	log := logger.NewNop()
	store := journal.NewMemoryStore()
	ps := pubsub.NewInMemory(log)

	books := region.New("orderBook", func(instrument string) region.Entity {
		return orderbook.New(instrument, store, ps, log, orderbook.DefaultConfig())
	}, nil, log)
	prices := region.New("matchAggregator", func(instrument string) region.Entity {
		return pricing.New(instrument, store, ps, ps, log, pricing.DefaultConfig())
	}, nil, log)
	t.Cleanup(func() {
		books.Stop(context.Background())
		prices.Stop(context.Background())
	})

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(books, prices, ps, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func order(kind, id, price, qty string) trade.WithInstrument {
	p, q := decimal.RequireFromString(price), decimal.RequireFromString(qty)
	at := time.UnixMilli(1_700_000_000_000).UTC()
	if kind == "bid" {
		return trade.Bid{Instrument: "MSFT", OrderID: id, Price: p, Quantity: q, TimeIssued: at}
	}
	return trade.Ask{Instrument: "MSFT", OrderID: id, Price: p, Quantity: q, TimeIssued: at}
}

func TestSubmitAndQuery(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conf, err := c.Submit(ctx, trade.Confirmable{ConfirmationID: 7, SenderID: "desk", Message: order("bid", "b1", "100", "5")})
	require.NoError(t, err)
	assert.Equal(t, trade.Confirmation{ConfirmationID: 7, SenderID: "desk"}, conf)

	_, err = c.Submit(ctx, trade.Confirmable{ConfirmationID: 8, SenderID: "desk", Message: order("ask", "a1", "99", "2")})
	require.NoError(t, err)

	snap, err := c.GetOrderBookSnapshot(ctx, "MSFT")
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Empty(t, snap.Asks)
	assert.True(t, decimal.RequireFromString("3").Equal(snap.BidQuantity))

	recent, err := c.GetRecentMatches(ctx, "MSFT")
	require.NoError(t, err)
	require.Len(t, recent.Matches, 1)
	assert.True(t, decimal.RequireFromString("100").Equal(recent.Matches[0].SettlementPrice))
}

func TestSubmitInvalidOrder(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Submit(ctx, trade.Confirmable{ConfirmationID: 1, Message: order("bid", "b1", "100", "0")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Submit(ctx, trade.Confirmable{ConfirmationID: 2, Message: trade.Bid{OrderID: "b2"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPriceAndVolumeBeforeFirstTick(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pv, err := c.GetPriceAndVolume(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", pv.Instrument)
	assert.True(t, pv.Empty())
}

func TestSubscribeStreamsMatches(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "MSFT", []trade.EventKind{trade.KindMatch})
	require.NoError(t, err)

	first, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, trade.TradeSubscribeAck{Instrument: "MSFT", Kinds: []trade.EventKind{trade.KindMatch}}, first)

	_, err = c.Submit(ctx, trade.Confirmable{ConfirmationID: 1, Message: order("ask", "a1", "10", "1")})
	require.NoError(t, err)
	_, err = c.Submit(ctx, trade.Confirmable{ConfirmationID: 2, Message: order("bid", "b1", "11", "1")})
	require.NoError(t, err)

	ev, err := sub.Recv()
	require.NoError(t, err)
	m, ok := ev.(trade.Match)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "b1", m.BuyOrderID)
	assert.Equal(t, "a1", m.SellOrderID)
	assert.True(t, decimal.RequireFromString("10").Equal(m.SettlementPrice))
}
