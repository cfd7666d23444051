package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/pkg/logger"
)

type outbound struct {
	topic   string
	payload []byte
}

type redisSub struct {
	sub    trade.Subscriber
	ps     *goredis.PubSub
	closed chan struct{}
}

// Redis is the cluster-wide backend: every node publishes to redis
// channels named after topics and every registration holds its own PubSub
// connection. Events travel as codec envelopes.
type Redis struct {
	client goredis.UniversalClient
	codec  codec.Serializer
	log    logger.Interface

	mu    sync.Mutex
	subs  map[string]*redisSub // topic|subscriber id
	queue chan outbound

	publishTimeout time.Duration
	closeOnce      sync.Once
	done           chan struct{}
	wg             sync.WaitGroup
}

// NewRedis starts the publish loop. queueSize bounds the events awaiting
// publication; beyond that Publish drops.
func NewRedis(client goredis.UniversalClient, log logger.Interface, queueSize int) *Redis {
	r := &Redis{
		client:         client,
		log:            log,
		subs:           make(map[string]*redisSub),
		queue:          make(chan outbound, queueSize),
		publishTimeout: time.Second,
		done:           make(chan struct{}),
	}
	r.wg.Add(1)
	go r.publishLoop()
	return r
}

func (r *Redis) Subscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	ctx, cancel := context.WithTimeout(ctx, SubscribeTimeout)
	defer cancel()

	var added []string
	for _, k := range kinds {
		topic := Topic(instrument, k)
		key := topic + "|" + sub.ID()

		r.mu.Lock()
		_, exists := r.subs[key]
		r.mu.Unlock()
		if exists {
			continue
		}

		ps := r.client.Subscribe(ctx, topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			r.rollback(added)
			return timeoutOr(ctx, fmt.Errorf("subscribe %s: %w", topic, err))
		}

		rs := &redisSub{sub: sub, ps: ps, closed: make(chan struct{})}
		r.mu.Lock()
		if _, raced := r.subs[key]; raced {
			// A concurrent Subscribe registered the same key first.
			r.mu.Unlock()
			_ = ps.Close()
			continue
		}
		r.subs[key] = rs
		r.mu.Unlock()
		added = append(added, key)

		r.wg.Add(1)
		go r.receive(key, rs)
	}
	return nil
}

func (r *Redis) Unsubscribe(_ context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	keys := make([]string, 0, len(kinds))
	for _, k := range kinds {
		keys = append(keys, Topic(instrument, k)+"|"+sub.ID())
	}
	r.rollback(keys)
	return nil
}

// Publish enqueues the event without waiting for redis.
func (r *Redis) Publish(instrument string, event any) {
	topic, ok := TopicOf(instrument, event)
	if !ok {
		r.log.Warn("publish of unsupported event", logger.NewField("instrument", instrument), logger.NewField("type", typeName(event)))
		return
	}
	payload, err := r.codec.Envelope(event)
	if err != nil {
		r.log.Error(err, logger.NewField("topic", topic))
		return
	}

	select {
	case <-r.done:
	case r.queue <- outbound{topic: topic, payload: payload}:
	default:
		r.log.Warn("publish queue full, event dropped", logger.NewField("topic", topic))
	}
}

// Close stops publishing and drops every registration.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		keys := make([]string, 0, len(r.subs))
		for k := range r.subs {
			keys = append(keys, k)
		}
		r.mu.Unlock()
		r.rollback(keys)
	})
	r.wg.Wait()
	return nil
}

func (r *Redis) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case m := <-r.queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
			if err := r.client.Publish(ctx, m.topic, m.payload).Err(); err != nil {
				r.log.Warn("redis publish failed", logger.NewField("topic", m.topic), logger.NewField("error", err.Error()))
			}
			cancel()
		}
	}
}

func (r *Redis) receive(key string, rs *redisSub) {
	defer r.wg.Done()

	ch := rs.ps.Channel()
	for {
		select {
		case <-rs.closed:
			return
		case <-rs.sub.Done():
			r.dropSubscriber(rs.sub.ID())
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := r.codec.Open([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("undecodable event", logger.NewField("topic", msg.Channel), logger.NewField("error", err.Error()))
				continue
			}
			rs.sub.Deliver(event)
		}
	}
}

func (r *Redis) dropSubscriber(id string) {
	r.mu.Lock()
	var keys []string
	for k, rs := range r.subs {
		if rs.sub.ID() == id {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	r.rollback(keys)
}

func (r *Redis) rollback(keys []string) {
	r.mu.Lock()
	removed := make([]*redisSub, 0, len(keys))
	for _, k := range keys {
		if rs, ok := r.subs[k]; ok {
			delete(r.subs, k)
			removed = append(removed, rs)
		}
	}
	r.mu.Unlock()

	for _, rs := range removed {
		close(rs.closed)
		_ = rs.ps.Close()
	}
}

// Registrations reports how many (topic, subscriber) pairs are live.
func (r *Redis) Registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
