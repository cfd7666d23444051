package region

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"tradeflow/domain/trade"
	"tradeflow/pkg/errors"
	"tradeflow/pkg/logger"
)

// DefaultShards is fixed for the lifetime of a cluster. It exceeds the
// expected node count so shards can be rebalanced.
const DefaultShards = 30

var (
	ErrNoInstrument = errors.New("region: message carries no instrument")
	ErrNotOwner     = errors.New("region: shard owned by another node")
	ErrStopped      = errors.New("region: stopped")
)

// ShardOf maps an instrument to its shard with FNV-1a (32 bit).
func ShardOf(instrument string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return int(h.Sum32() % uint32(shards))
}

// EntityID extracts the instrument a message is addressed to.
func EntityID(msg any) (string, error) {
	var id string
	switch m := msg.(type) {
	case trade.Confirmable:
		if m.Message != nil {
			id = m.Message.InstrumentID()
		}
	case trade.WithInstrument:
		id = m.InstrumentID()
	}
	if id == "" {
		return "", fmt.Errorf("%w: %T", ErrNoInstrument, msg)
	}
	return id, nil
}

// Entity is a mailbox-driven actor owned by a region.
type Entity interface {
	Start(ctx context.Context) error
	Tell(ctx context.Context, msg any) error
	Ask(ctx context.Context, msg any) (any, error)
	Stop()
	Done() <-chan struct{}
	Err() error
}

type Factory func(instrument string) Entity

// Lease decides which node hosts a shard.
type Lease interface {
	Acquire(ctx context.Context, shard int) (bool, error)
	Renew(ctx context.Context, shard int) (bool, error)
	Release(ctx context.Context, shard int) error
}

// LocalLease grants every shard; used when a single node hosts the cluster.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, int) (bool, error) { return true, nil }
func (LocalLease) Renew(context.Context, int) (bool, error)   { return true, nil }
func (LocalLease) Release(context.Context, int) error         { return nil }

// Failure reports an entity that stopped with a fatal error.
type Failure struct {
	Instrument string
	Err        error
}

type Option func(*Region)

func WithShards(n int) Option {
	return func(r *Region) {
		if n > 0 {
			r.shards = n
		}
	}
}

// WithRenewInterval sets how often held shard leases are renewed.
// Zero disables renewal.
func WithRenewInterval(d time.Duration) Option {
	return func(r *Region) { r.renewEvery = d }
}

// Region routes instrument-scoped messages to one resident entity per
// instrument, creating it on first use.
type Region struct {
	name       string
	shards     int
	factory    Factory
	lease      Lease
	log        logger.Interface
	renewEvery time.Duration

	mu       sync.Mutex
	entities map[string]Entity
	starting map[string]*starting
	owned    map[int]struct{}
	stopped  bool

	failed chan Failure
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(name string, factory Factory, lease Lease, log logger.Interface, opts ...Option) *Region {
	if lease == nil {
		lease = LocalLease{}
	}
	r := &Region{
		name:     name,
		shards:   DefaultShards,
		factory:  factory,
		lease:    lease,
		log:      log.With(logger.NewField("region", name)),
		entities: make(map[string]Entity),
		starting: make(map[string]*starting),
		owned:    make(map[int]struct{}),
		failed:   make(chan Failure, 64),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches lease renewal. Entities are created lazily by Tell and Ask.
func (r *Region) Start() {
	if r.renewEvery <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.renew()
			}
		}
	}()
}

// Failed delivers entities that stopped with a fatal error.
func (r *Region) Failed() <-chan Failure { return r.failed }

// Tell routes msg without waiting for a reply. Unroutable messages are
// logged and dropped; the error is returned for callers that care.
func (r *Region) Tell(ctx context.Context, msg any) error {
	e, err := r.route(ctx, msg)
	if err != nil {
		r.log.Warn("dropping unroutable message",
			logger.NewField("type", fmt.Sprintf("%T", msg)),
			logger.NewField("error", err.Error()),
		)
		return err
	}
	return e.Tell(ctx, msg)
}

// Ask routes msg to its entity and waits for the reply.
func (r *Region) Ask(ctx context.Context, msg trade.WithInstrument) (any, error) {
	e, err := r.route(ctx, msg)
	if err != nil {
		return nil, err
	}
	return e.Ask(ctx, msg)
}

// Entities lists the instruments with a resident entity.
func (r *Region) Entities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entities))
	for id := range r.entities {
		out = append(out, id)
	}
	return out
}

func (r *Region) route(ctx context.Context, msg any) (Entity, error) {
	id, err := EntityID(msg)
	if err != nil {
		return nil, err
	}
	return r.entity(ctx, id)
}

// starting is the in-flight creation of one instrument's entity. Messages
// arriving meanwhile wait on done instead of creating a second entity.
type starting struct {
	done chan struct{}
	e    Entity
	err  error
}

func (r *Region) entity(ctx context.Context, instrument string) (Entity, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if e, ok := r.entities[instrument]; ok {
		r.mu.Unlock()
		return e, nil
	}
	if st, ok := r.starting[instrument]; ok {
		r.mu.Unlock()
		select {
		case <-st.done:
			return st.e, st.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	st := &starting{done: make(chan struct{})}
	r.starting[instrument] = st
	r.mu.Unlock()

	e, err := r.create(ctx, instrument)

	r.mu.Lock()
	delete(r.starting, instrument)
	switch {
	case err != nil:
	case r.stopped:
		err = ErrStopped
	default:
		r.entities[instrument] = e
		r.wg.Add(1)
		go r.watch(instrument, e)
	}
	r.mu.Unlock()

	if err != nil && e != nil {
		e.Stop()
		e = nil
	}
	st.e, st.err = e, err
	close(st.done)
	return e, err
}

// create acquires the instrument's shard and starts its entity. It runs
// without r.mu so slow recoveries do not hold up other instruments.
func (r *Region) create(ctx context.Context, instrument string) (Entity, error) {
	shard := ShardOf(instrument, r.shards)

	r.mu.Lock()
	_, owned := r.owned[shard]
	r.mu.Unlock()
	if !owned {
		granted, err := r.lease.Acquire(ctx, shard)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, fmt.Errorf("%w: shard %d", ErrNotOwner, shard)
		}
		r.mu.Lock()
		if _, ok := r.owned[shard]; !ok && !r.stopped {
			r.owned[shard] = struct{}{}
			r.log.Info("shard acquired", logger.NewField("shard", shard))
		}
		r.mu.Unlock()
	}

	e := r.factory(instrument)
	if err := e.Start(ctx); err != nil {
		r.report(Failure{Instrument: instrument, Err: err})
		return nil, err
	}
	r.log.Debug("entity started", logger.NewField("instrument", instrument), logger.NewField("shard", shard))
	return e, nil
}

// watch forgets an entity once it stops so the next message recreates it
// from the store.
func (r *Region) watch(instrument string, e Entity) {
	defer r.wg.Done()
	select {
	case <-e.Done():
	case <-r.stop:
		return
	}

	r.mu.Lock()
	if cur, ok := r.entities[instrument]; ok && cur == e {
		delete(r.entities, instrument)
	}
	r.mu.Unlock()

	if err := e.Err(); err != nil {
		r.report(Failure{Instrument: instrument, Err: err})
	}
}

func (r *Region) report(f Failure) {
	r.log.Error(f.Err, logger.NewField("event", "entity failed"), logger.NewField("instrument", f.Instrument))
	select {
	case r.failed <- f:
	default:
	}
}

func (r *Region) renew() {
	r.mu.Lock()
	shards := make([]int, 0, len(r.owned))
	for s := range r.owned {
		shards = append(shards, s)
	}
	r.mu.Unlock()

	for _, shard := range shards {
		ctx, cancel := context.WithTimeout(context.Background(), r.renewEvery)
		ok, err := r.lease.Renew(ctx, shard)
		cancel()
		if err != nil {
			r.log.Error(err, logger.NewField("event", "renew lease"), logger.NewField("shard", shard))
			continue
		}
		if !ok {
			r.handOff(shard)
		}
	}
}

// handOff stops every entity of a shard whose lease was lost, so two nodes
// never run the same instrument.
func (r *Region) handOff(shard int) {
	r.mu.Lock()
	delete(r.owned, shard)
	var lost []Entity
	for id, e := range r.entities {
		if ShardOf(id, r.shards) == shard {
			lost = append(lost, e)
			delete(r.entities, id)
		}
	}
	r.mu.Unlock()

	r.log.Warn("shard lease lost", logger.NewField("shard", shard), logger.NewField("entities", len(lost)))
	for _, e := range lost {
		e.Stop()
	}
}

// Stop stops every entity and releases held shards.
func (r *Region) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	entities := r.entities
	r.entities = make(map[string]Entity)
	owned := r.owned
	r.owned = make(map[int]struct{})
	r.mu.Unlock()

	close(r.stop)
	for _, e := range entities {
		e.Stop()
	}
	for shard := range owned {
		if err := r.lease.Release(ctx, shard); err != nil {
			r.log.Error(err, logger.NewField("event", "release lease"), logger.NewField("shard", shard))
		}
	}
	r.wg.Wait()
}
