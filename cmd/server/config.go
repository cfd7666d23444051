package main

import (
	"tradeflow/infra/kafka"
	"tradeflow/infra/redis"
	"tradeflow/jobs/broadcaster"
	"tradeflow/pkg/logger"
	"tradeflow/service/orderbook"
	"tradeflow/service/pricing"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the node configuration, read from the environment (and .env).
type Config struct {
	NodeID   string       `env:"NODE_ID"`
	LogLevel logger.Level `env:"LOG_LEVEL" envDefault:"info"`
	LogDev   bool         `env:"LOG_DEVELOPMENT" envDefault:"false"`
	GRPCAddr string       `env:"GRPC_ADDR" envDefault:":50051"`
	DataDir  string       `env:"DATA_DIR" envDefault:"./data"`
	Shards   int          `env:"SHARDS" envDefault:"30"`

	// PubSub selects where subscriptions live. Leases selects how shard
	// ownership is decided; memory means this node owns every shard.
	PubSub Backend `env:"PUBSUB_BACKEND" envDefault:"memory"`
	Leases Backend `env:"LEASE_BACKEND" envDefault:"memory"`

	KafkaIngress   bool `env:"KAFKA_INGRESS" envDefault:"false"`
	KafkaBroadcast bool `env:"KAFKA_BROADCAST" envDefault:"false"`
	KafkaMarket    bool `env:"KAFKA_MARKET" envDefault:"false"`

	Redis       redis.Config `envPrefix:"REDIS_"`
	Kafka       kafka.Config
	Broadcaster broadcaster.Config
	OrderBook   orderbook.Config
	Pricing     pricing.Config
}

func (c Config) usesRedis() bool {
	return c.PubSub == BackendRedis || c.Leases == BackendRedis
}
