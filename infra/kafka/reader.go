package kafka

import (
	"github.com/segmentio/kafka-go"
)

// NewReader joins the ingress consumer group on the orders topic.
// Offsets are committed explicitly by the caller.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.OrdersTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
}
