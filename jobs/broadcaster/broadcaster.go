package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"tradeflow/infra/outbox"
	"tradeflow/pkg/logger"
)

type Config struct {
	Brokers    []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"tradeflow.events"`
	Interval   time.Duration `env:"BROADCAST_INTERVAL" envDefault:"250ms"`
	MaxRetries uint32        `env:"BROADCAST_MAX_RETRIES" envDefault:"10"`
}

// Broadcaster drains the outbox into a Kafka topic keyed by instrument,
// so each instrument's events stay ordered within one partition.
type Broadcaster struct {
	box        *outbox.Outbox
	producer   sarama.SyncProducer
	topic      string
	interval   time.Duration
	maxRetries uint32
	log        logger.Interface

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	return sarama.NewSyncProducer(brokers, cfg)
}

func New(box *outbox.Outbox, producer sarama.SyncProducer, cfg Config, log logger.Interface) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	return &Broadcaster{
		box:        box,
		producer:   producer,
		topic:      cfg.Topic,
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		log:        log.With(logger.NewField("job", "broadcaster")),
		stop:       make(chan struct{}),
	}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

// Start runs the drain loop until ctx is cancelled or Close is called.
func (b *Broadcaster) Start(ctx context.Context) {
	b.log.Info("broadcaster started", logger.NewField("topic", b.topic))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return

			case <-ticker.C:
				if err := b.replayOnce(); err != nil {
					b.log.Error(err, logger.NewField("event", "outbox scan"))
				}
			}
		}
	}()
}

// ------------------------------------------------
// REPLAY LOGIC
// ------------------------------------------------

// replayOnce sends every pending record once. A record is SENT while in
// flight, deleted once Kafka acknowledges it and FAILED after maxRetries.
func (b *Broadcaster) replayOnce() error {
	return b.box.ScanPending(func(rec outbox.Record) error {
		if err := b.box.MarkSent(rec.ID); err != nil {
			return err
		}

		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.ByteEncoder(rec.Key),
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if err != nil {
			retries := rec.Retries + 1
			state := outbox.StateNew
			if retries >= b.maxRetries {
				state = outbox.StateFailed
				b.log.Error(err, logger.NewField("event", "giving up on record"), logger.NewField("id", rec.ID))
			} else {
				b.log.Warn("send failed, will retry",
					logger.NewField("id", rec.ID),
					logger.NewField("retries", retries),
					logger.NewField("error", err.Error()),
				)
			}
			return b.box.Update(rec.ID, state, retries)
		}

		return b.box.MarkAcked(rec.ID)
	})
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

// Close stops the drain loop, waits for an in-progress scan to finish and
// then closes the producer. The outbox stays open; its owner closes it.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	return b.producer.Close()
}
