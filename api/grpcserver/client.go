package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"tradeflow/domain/trade"
)

// Client calls tradeflow.Exchange over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (Resp, error) {
	var out Resp
	err := c.conn.Invoke(ctx, fullMethod(method), req, &out, grpc.ForceCodec(Codec{}))
	return out, err
}

func (c *Client) Submit(ctx context.Context, req trade.Confirmable) (trade.Confirmation, error) {
	return invoke[trade.Confirmation](ctx, c, "Submit", req)
}

func (c *Client) GetOrderBookSnapshot(ctx context.Context, instrument string) (trade.OrderbookSnapshot, error) {
	return invoke[trade.OrderbookSnapshot](ctx, c, "GetOrderBookSnapshot", trade.GetOrderBookSnapshot{Instrument: instrument})
}

func (c *Client) GetRecentMatches(ctx context.Context, instrument string) (trade.RecentMatches, error) {
	return invoke[trade.RecentMatches](ctx, c, "GetRecentMatches", trade.GetRecentMatches{Instrument: instrument})
}

func (c *Client) GetPriceAndVolume(ctx context.Context, instrument string) (trade.PriceAndVolume, error) {
	return invoke[trade.PriceAndVolume](ctx, c, "GetPriceAndVolume", trade.GetPriceAndVolume{Instrument: instrument})
}

// Subscription is an open event stream. The first message is the
// subscription Ack or Nack.
type Subscription struct {
	stream grpc.ClientStream
}

func (c *Client) Subscribe(ctx context.Context, instrument string, kinds []trade.EventKind) (*Subscription, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName), grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(trade.TradeSubscribe{Instrument: instrument, Kinds: kinds}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

func (s *Subscription) Recv() (any, error) {
	var ev any
	if err := s.stream.RecvMsg(&ev); err != nil {
		return nil, err
	}
	return ev, nil
}
