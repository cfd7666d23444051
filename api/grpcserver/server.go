package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ob "tradeflow/domain/orderbook"
	"tradeflow/domain/trade"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/logger"
	"tradeflow/service/orderbook"
	"tradeflow/service/pricing"
	"tradeflow/service/region"
)

// Router delivers a request to the entity owning its instrument.
type Router interface {
	Ask(ctx context.Context, msg trade.WithInstrument) (any, error)
}

// Server adapts the order book and pricing regions to gRPC.
type Server struct {
	books   Router
	pricing Router
	subs    pubsub.Subscriptions
	log     logger.Interface
	buffer  int
}

func NewServer(books, pricing Router, subs pubsub.Subscriptions, log logger.Interface) *Server {
	return &Server{books: books, pricing: pricing, subs: subs, log: log, buffer: 256}
}

// NewGRPCServer creates a grpc.Server speaking the envelope codec with s registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(s.log)),
	}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)
	return g
}

// -------------------- Commands --------------------

func (s *Server) Submit(ctx context.Context, req trade.Confirmable) (trade.Confirmation, error) {
	reply, err := s.books.Ask(ctx, req)
	if err != nil {
		return trade.Confirmation{}, toStatus(err)
	}
	c, ok := reply.(trade.Confirmation)
	if !ok {
		return trade.Confirmation{}, status.Errorf(codes.Internal, "unexpected reply %T", reply)
	}
	return c, nil
}

// -------------------- Queries --------------------

func (s *Server) GetOrderBookSnapshot(ctx context.Context, req trade.GetOrderBookSnapshot) (trade.OrderbookSnapshot, error) {
	return query[trade.OrderbookSnapshot](ctx, s.books, req)
}

func (s *Server) GetRecentMatches(ctx context.Context, req trade.GetRecentMatches) (trade.RecentMatches, error) {
	return query[trade.RecentMatches](ctx, s.books, req)
}

func (s *Server) GetPriceAndVolume(ctx context.Context, req trade.GetPriceAndVolume) (trade.PriceAndVolume, error) {
	return query[trade.PriceAndVolume](ctx, s.pricing, req)
}

func query[T any](ctx context.Context, r Router, req trade.WithInstrument) (T, error) {
	var zero T
	reply, err := r.Ask(ctx, req)
	if err != nil {
		return zero, toStatus(err)
	}
	v, ok := reply.(T)
	if !ok {
		return zero, status.Errorf(codes.Internal, "unexpected reply %T", reply)
	}
	return v, nil
}

// -------------------- Streams --------------------

// Subscribe acks the registration as the first stream message, then streams
// events until the client goes away. Disconnecting ends the subscription.
func (s *Server) Subscribe(req trade.TradeSubscribe, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sub := pubsub.NewChanSubscriber(s.buffer)
	defer sub.Close()

	if err := s.subs.Subscribe(ctx, req.Instrument, req.Kinds, sub); err != nil {
		_ = stream.SendMsg(pubsub.SubscribeReply(req, err))
		return toStatus(err)
	}
	if err := stream.SendMsg(pubsub.SubscribeReply(req, nil)); err != nil {
		return err
	}
	s.log.Debug("stream subscribed",
		logger.NewField("subscriber", sub.ID()),
		logger.NewField("instrument", req.Instrument),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C():
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}

// -------------------- Errors --------------------

func toStatus(err error) error {
	switch {
	case errors.Is(err, region.ErrNoInstrument),
		errors.Is(err, ob.ErrInvalidOrder),
		errors.Is(err, ob.ErrForeignInstrument),
		errors.Is(err, pricing.ErrUnhandled),
		errors.Is(err, orderbook.ErrForeign),
		errors.Is(err, orderbook.ErrUnhandled):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orderbook.ErrStopped),
		errors.Is(err, orderbook.ErrPersistence),
		errors.Is(err, pricing.ErrStopped),
		errors.Is(err, region.ErrStopped),
		errors.Is(err, region.ErrNotOwner),
		errors.Is(err, pubsub.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, pubsub.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, pubsub.ErrNack):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func loggingInterceptor(log logger.Interface) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []logger.Field{
			logger.NewField("method", info.FullMethod),
			logger.NewField("request", fmt.Sprintf("%T", req)),
			logger.NewField("took", time.Since(start).String()),
		}
		if err != nil {
			log.Warn("rpc failed", append(fields, logger.NewField("code", status.Code(err).String()))...)
			return resp, err
		}
		log.Debug("rpc", fields...)
		return resp, nil
	}
}
