package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tradeflow/pkg/errors"
)

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease grants exclusive ownership of a shard to one node at a time.
// Ownership expires after ttl unless renewed.
type Lease struct {
	client goredis.UniversalClient
	owner  string
	prefix string
	ttl    time.Duration
}

func NewLease(client goredis.UniversalClient, owner, prefix string, ttl time.Duration) *Lease {
	return &Lease{client: client, owner: owner, prefix: prefix, ttl: ttl}
}

func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire takes the shard if it is free. Holding it already counts as success.
func (l *Lease) Acquire(ctx context.Context, shard int) (bool, error) {
	key := l.key(shard)
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.NewTracer("lease_acquire_error").Wrap(err)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx, shard)
}

// Renew extends the lease if this node still owns it.
func (l *Lease) Renew(ctx context.Context, shard int) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(shard)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.NewTracer("lease_renew_error").Wrap(err)
	}
	return n == 1, nil
}

func (l *Lease) Release(ctx context.Context, shard int) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(shard)}, l.owner).Err(); err != nil {
		return errors.NewTracer("lease_release_error").Wrap(err)
	}
	return nil
}

func (l *Lease) key(shard int) string {
	return fmt.Sprintf("%sshard/%d", l.prefix, shard)
}
