package redis

import "time"

// Mode selects a standalone or cluster client.
type Mode string

const (
	Standalone Mode = "standalone"
	Cluster    Mode = "cluster"
)

// Config holds the redis connection settings, read from REDIS_* variables.
type Config struct {
	Mode     Mode     `env:"MODE" envDefault:"standalone"`
	Addrs    []string `env:"ADDRS" envDefault:"localhost:6379" envSeparator:","`
	Username string   `env:"USERNAME"`
	Password string   `env:"PASSWORD"`
	DB       int      `env:"DB" envDefault:"0"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	PoolSize       int           `env:"POOL_SIZE" envDefault:"10"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`

	PrefixKey string        `env:"PREFIX_KEY" envDefault:"tradeflow:"`
	LeaseTTL  time.Duration `env:"LEASE_TTL" envDefault:"15s"`
}
