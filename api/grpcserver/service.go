package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"tradeflow/domain/trade"
)

const serviceName = "tradeflow.Exchange"

// ExchangeServer is the server side of tradeflow.Exchange.
type ExchangeServer interface {
	Submit(ctx context.Context, req trade.Confirmable) (trade.Confirmation, error)
	GetOrderBookSnapshot(ctx context.Context, req trade.GetOrderBookSnapshot) (trade.OrderbookSnapshot, error)
	GetRecentMatches(ctx context.Context, req trade.GetRecentMatches) (trade.RecentMatches, error)
	GetPriceAndVolume(ctx context.Context, req trade.GetPriceAndVolume) (trade.PriceAndVolume, error)
	Subscribe(req trade.TradeSubscribe, stream grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary("Submit", ExchangeServer.Submit)},
		{MethodName: "GetOrderBookSnapshot", Handler: unary("GetOrderBookSnapshot", ExchangeServer.GetOrderBookSnapshot)},
		{MethodName: "GetRecentMatches", Handler: unary("GetRecentMatches", ExchangeServer.GetRecentMatches)},
		{MethodName: "GetPriceAndVolume", Handler: unary("GetPriceAndVolume", ExchangeServer.GetPriceAndVolume)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "tradeflow/exchange",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary builds a method handler for an ExchangeServer method taking Req and returning Resp.
func unary[Req, Resp any](
	name string,
	call func(ExchangeServer, context.Context, Req) (Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExchangeServer), ctx, *in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExchangeServer), ctx, *req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	var req trade.TradeSubscribe
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(ExchangeServer).Subscribe(req, stream)
}
