package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"tradeflow/infra/codec"
	"tradeflow/pkg/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// MarketSink is a subscriber that forwards PriceChanged and VolumeChanged
// events to Kafka. Deliver never blocks; events beyond the buffer are dropped.
type MarketSink struct {
	id     string
	writer messageWriter
	codec  codec.Serializer
	log    logger.Interface

	queue chan kafka.Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewMarketSink(cfg Config, log logger.Interface) *MarketSink {
	return newMarketSink(newWriter(cfg.Brokers, cfg.MarketTopic), cfg.MarketBuffer, log)
}

func newMarketSink(w messageWriter, buffer int, log logger.Interface) *MarketSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &MarketSink{
		id:     "kafka-market-" + uuid.NewString(),
		writer: w,
		log:    log.With(logger.NewField("sink", "kafka-market")),
		queue:  make(chan kafka.Message, buffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *MarketSink) ID() string { return s.id }

func (s *MarketSink) Done() <-chan struct{} { return s.done }

func (s *MarketSink) Deliver(event any) bool {
	body, err := s.codec.Envelope(event)
	if err != nil {
		s.log.Error(err, logger.NewField("event", "encode"), logger.NewField("type", fmt.Sprintf("%T", event)))
		return false
	}
	var key []byte
	if w, ok := event.(interface{ InstrumentID() string }); ok {
		key = []byte(w.InstrumentID())
	}

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- kafka.Message{Key: key, Value: body}:
		return true
	default:
		s.log.Warn("market sink full, dropping event", logger.NewField("type", fmt.Sprintf("%T", event)))
		return false
	}
}

func (s *MarketSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.writer.WriteMessages(ctx, msg); err != nil {
				s.log.Error(err, logger.NewField("event", "write market event"), logger.NewField("key", string(msg.Key)))
			}
			cancel()
		}
	}
}

// Close stops forwarding. Subscriptions held for the sink are dropped by
// their managers once Done is closed.
func (s *MarketSink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.writer.Close()
}
