package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"tradeflow/domain/orderbook"
	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/pkg/logger"
	bookservice "tradeflow/service/orderbook"
	"tradeflow/service/region"
)

// MessageReader is the part of *kafka.Reader the ingress loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Router interface {
	Ask(ctx context.Context, msg trade.WithInstrument) (any, error)
}

// Ingress feeds order commands from Kafka into the order book region.
// A message is committed only after the owning book confirmed it, so a
// crash redelivers it and the book's confirmation dedupe absorbs the repeat.
type Ingress struct {
	reader     MessageReader
	router     Router
	codec      codec.Serializer
	log        logger.Interface
	askTimeout time.Duration
	retryDelay time.Duration
}

func New(reader MessageReader, router Router, log logger.Interface) *Ingress {
	return &Ingress{
		reader:     reader,
		router:     router,
		log:        log.With(logger.NewField("job", "ingress")),
		askTimeout: 5 * time.Second,
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (in *Ingress) Run(ctx context.Context) error {
	for {
		msg, err := in.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := in.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := in.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// deliver returns nil once msg is either confirmed or deliberately dropped.
func (in *Ingress) deliver(ctx context.Context, msg kafka.Message) error {
	v, err := in.codec.Open(msg.Value)
	if err != nil {
		in.log.Warn("dropping undecodable message",
			logger.NewField("offset", msg.Offset),
			logger.NewField("partition", msg.Partition),
			logger.NewField("error", err.Error()),
		)
		return nil
	}

	cmd, ok := v.(trade.Confirmable)
	if !ok {
		w, isCmd := v.(trade.WithInstrument)
		if !isCmd || !isOrder(v) {
			in.log.Warn("dropping unsupported message", logger.NewField("type", fmt.Sprintf("%T", v)))
			return nil
		}
		// Bare orders are confirmed under their Kafka position.
		cmd = trade.Confirmable{
			ConfirmationID: msg.Offset,
			SenderID:       fmt.Sprintf("kafka/%s/%d", msg.Topic, msg.Partition),
			Message:        w,
		}
	}

	for {
		err := in.ask(ctx, cmd)
		if err == nil {
			return nil
		}
		if errors.Is(err, errRejected) {
			in.log.Warn("dropping rejected order", logger.NewField("error", err.Error()))
			return nil
		}

		in.log.Warn("order not confirmed, retrying",
			logger.NewField("instrument", cmd.InstrumentID()),
			logger.NewField("error", err.Error()),
		)
		select {
		case <-time.After(in.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errRejected = errors.New("ingress: order rejected")

func (in *Ingress) ask(ctx context.Context, cmd trade.Confirmable) error {
	ctx, cancel := context.WithTimeout(ctx, in.askTimeout)
	defer cancel()

	reply, err := in.router.Ask(ctx, cmd)
	if err != nil {
		if isPermanent(err) {
			return fmt.Errorf("%w: %v", errRejected, err)
		}
		return err
	}
	if _, ok := reply.(trade.Confirmation); !ok {
		return fmt.Errorf("%w: unexpected reply %T", errRejected, reply)
	}
	return nil
}

func isOrder(v any) bool {
	switch v.(type) {
	case trade.Bid, trade.Ask:
		return true
	}
	return false
}

// isPermanent reports errors that a redelivery cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, orderbook.ErrInvalidOrder) ||
		errors.Is(err, bookservice.ErrForeign) ||
		errors.Is(err, bookservice.ErrUnhandled) ||
		errors.Is(err, region.ErrNoInstrument)
}
