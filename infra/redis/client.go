package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"tradeflow/pkg/errors"
)

// NewClient builds a standalone or cluster client and pings it.
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.NewTracer("redis_config_error").Wrap(errors.New("no redis addresses"))
	}

	var client goredis.UniversalClient
	switch cfg.Mode {
	case Cluster:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ConnectTimeout,
			WriteTimeout: cfg.ConnectTimeout,
			PoolSize:     cfg.PoolSize,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addrs[0],
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ConnectTimeout,
			WriteTimeout: cfg.ConnectTimeout,
			PoolSize:     cfg.PoolSize,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewTracer("redis_connect_error").Wrap(err)
	}
	return client, nil
}
