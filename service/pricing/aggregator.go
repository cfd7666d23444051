package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/infra/journal"
	"tradeflow/infra/memory"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/errors"
	"tradeflow/pkg/logger"
)

var (
	ErrStopped   = errors.New("pricing: aggregator stopped")
	ErrUnhandled = errors.New("pricing: unhandled message")
)

func PersistenceID(instrument string) string {
	return instrument + "-matchAggregator"
}

type Config struct {
	Window         int           `env:"PRICING_WINDOW" envDefault:"10"`
	History        int           `env:"PRICING_HISTORY" envDefault:"10"`
	TickInterval   time.Duration `env:"PRICING_TICK_INTERVAL" envDefault:"10s"`
	SubscribeRetry time.Duration `env:"PRICING_SUBSCRIBE_RETRY" envDefault:"5s"`
	SnapshotEvery  uint64        `env:"PRICING_SNAPSHOT_EVERY" envDefault:"10"`
	MailboxSize    int           `env:"PRICING_MAILBOX_SIZE" envDefault:"256"`
	StoreTimeout   time.Duration `env:"PRICING_STORE_TIMEOUT" envDefault:"5s"`
}

func DefaultConfig() Config {
	return Config{
		Window:         10,
		History:        10,
		TickInterval:   10 * time.Second,
		SubscribeRetry: 5 * time.Second,
		SnapshotEvery:  10,
		MailboxSize:    256,
		StoreTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SubscribeRetry <= 0 {
		c.SubscribeRetry = d.SubscribeRetry
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

type phase uint8

const (
	awaitingSubscription phase = iota
	active
)

type (
	envelope struct {
		msg   any
		reply chan any
	}
	tick          struct{}
	subscribed    struct{}
	phaseQuery    struct{}
	snapshotSaved struct {
		seq uint64
		err error
	}
)

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator turns the Match stream of one instrument into periodic
// PriceChanged and VolumeChanged events. It persists snapshots only.
type Aggregator struct {
	instrument    string
	persistenceID string
	cfg           Config

	store     journal.Store
	subs      pubsub.Subscriptions
	publisher pubsub.Publisher
	codec     codec.Serializer
	log       logger.Interface
	now       func() time.Time

	mailbox  chan envelope
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	phase            phase
	agg              *Aggregate
	priceUpdates     *memory.Ring[trade.PriceChanged]
	volumeUpdates    *memory.Ring[trade.VolumeChanged]
	seq              uint64
	snapshotInFlight bool
}

func New(
	instrument string,
	store journal.Store,
	subs pubsub.Subscriptions,
	publisher pubsub.Publisher,
	log logger.Interface,
	cfg Config,
	opts ...Option,
) *Aggregator {
	cfg = cfg.withDefaults()
	if subs == nil {
		subs = pubsub.Noop{}
	}
	if publisher == nil {
		publisher = pubsub.Noop{}
	}
	a := &Aggregator{
		instrument:    instrument,
		persistenceID: PersistenceID(instrument),
		cfg:           cfg,
		store:         store,
		subs:          subs,
		publisher:     publisher,
		log:           log.With(logger.NewField("instrument", instrument)),
		now:           time.Now,
		mailbox:       make(chan envelope, cfg.MailboxSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		agg:           NewAggregate(instrument, cfg.Window),
		priceUpdates:  memory.NewRing[trade.PriceChanged](cfg.History),
		volumeUpdates: memory.NewRing[trade.VolumeChanged](cfg.History),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID names the aggregator as a Match subscriber.
func (a *Aggregator) ID() string { return a.persistenceID }

// Deliver hands a published Match to the mailbox without blocking.
func (a *Aggregator) Deliver(event any) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- envelope{msg: event}:
		return true
	default:
		a.log.Warn("mailbox full, dropping event", logger.NewField("type", fmt.Sprintf("%T", event)))
		return false
	}
}

func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Err is always nil: failed writes are logged and the next tick writes again.
func (a *Aggregator) Err() error { return nil }

// Start loads the latest snapshot, then starts the tick loop and the
// Match subscription.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.recover(ctx); err != nil {
		a.stopOnce.Do(func() { close(a.stop) })
		close(a.done)
		return errors.NewTracer("pricing: recovery").Wrap(err)
	}
	a.log.Info("match aggregator recovered", logger.NewField("seq", a.seq))

	go a.run()
	a.wg.Add(1)
	go a.subscribe()
	return nil
}

func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
	a.wg.Wait()
}

func (a *Aggregator) Tell(ctx context.Context, msg any) error {
	return a.send(ctx, envelope{msg: msg})
}

func (a *Aggregator) Ask(ctx context.Context, msg any) (any, error) {
	env := envelope{msg: msg, reply: make(chan any, 1)}
	if err := a.send(ctx, env); err != nil {
		return nil, err
	}
	select {
	case r := <-env.reply:
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	case <-a.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch returns the recent price and volume history.
func (a *Aggregator) Fetch(ctx context.Context) (trade.PriceAndVolume, error) {
	r, err := a.Ask(ctx, trade.GetPriceAndVolume{Instrument: a.instrument})
	if err != nil {
		return trade.PriceAndVolume{}, err
	}
	return r.(trade.PriceAndVolume), nil
}

// Active reports whether the Match subscription has been acknowledged.
func (a *Aggregator) Active(ctx context.Context) (bool, error) {
	r, err := a.Ask(ctx, phaseQuery{})
	if err != nil {
		return false, err
	}
	return r.(phase) == active, nil
}

func (a *Aggregator) send(ctx context.Context, env envelope) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.mailbox <- env:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

func (a *Aggregator) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.handle(tick{})
		case env := <-a.mailbox:
			r := a.handle(env.msg)
			if env.reply != nil {
				env.reply <- r
			}
		}
	}
}

func (a *Aggregator) handle(msg any) any {
	switch m := msg.(type) {
	case trade.Match:
		if !a.agg.WithMatch(m) {
			a.log.Warn("ignoring match for foreign instrument", logger.NewField("target", m.Instrument))
		}
		return nil
	case trade.GetPriceAndVolume:
		return a.fetch()
	case tick:
		a.publishTick()
		return nil
	case subscribed:
		a.phase = active
		return nil
	case phaseQuery:
		return a.phase
	case snapshotSaved:
		a.snapshotDone(m)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnhandled, msg)
	}
}

// subscribe retries until the Match subscription is acknowledged.
// Matches routed directly are handled in the meantime.
func (a *Aggregator) subscribe() {
	defer a.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), pubsub.SubscribeTimeout)
		err := a.subs.Subscribe(ctx, a.instrument, []trade.EventKind{trade.KindMatch}, a)
		cancel()
		if err == nil {
			_ = a.send(context.Background(), envelope{msg: subscribed{}})
			a.log.Info("subscribed to matches")
			return
		}

		a.log.Warn("match subscription failed, retrying",
			logger.NewField("error", err.Error()),
			logger.NewField("retry_in", a.cfg.SubscribeRetry.String()),
		)
		select {
		case <-time.After(a.cfg.SubscribeRetry):
		case <-a.stop:
			return
		}
	}
}

func (a *Aggregator) fetch() trade.PriceAndVolume {
	if a.priceUpdates.Len() == 0 || a.volumeUpdates.Len() == 0 {
		return trade.PriceAndVolume{Instrument: a.instrument}
	}
	return trade.PriceAndVolume{
		Instrument:    a.instrument,
		PriceUpdates:  a.priceUpdates.Slice(),
		VolumeUpdates: a.volumeUpdates.Slice(),
	}
}

func (a *Aggregator) publishTick() {
	if a.agg.Empty() {
		return
	}

	price, volume := a.agg.Metrics(a.now())
	a.priceUpdates.Push(price)
	a.volumeUpdates.Push(volume)

	a.persist()

	a.publisher.Publish(a.instrument, price)
	a.publisher.Publish(a.instrument, volume)
}

// ------------------------------------------------
// PERSISTENCE
// ------------------------------------------------

func (a *Aggregator) state() aggregatorState {
	return aggregatorState{
		prices:        a.agg.price.Samples(),
		volumes:       a.agg.volume.Samples(),
		priceUpdates:  a.priceUpdates.Slice(),
		volumeUpdates: a.volumeUpdates.Slice(),
	}
}

// persist writes the state as the next journal record. Every
// SnapshotEvery-th record is also saved as a snapshot.
func (a *Aggregator) persist() {
	body, err := encodeState(a.codec, a.state())
	if err != nil {
		a.log.Error(err, logger.NewField("event", "encode aggregator state"))
		return
	}
	ev := journal.Event{Manifest: manifestV2, Payload: body}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	if err := a.store.Append(ctx, a.persistenceID, a.seq+1, []journal.Event{ev}); err != nil {
		a.log.Error(err, logger.NewField("event", "persist aggregator state"))
		return
	}
	a.seq++
	a.log.Debug("saved price and volume",
		logger.NewField("seq", a.seq),
		logger.NewField("avg_price", a.agg.price.Current().String()),
		logger.NewField("avg_volume", a.agg.volume.Current().String()),
	)

	if a.seq%a.cfg.SnapshotEvery != 0 || a.snapshotInFlight {
		return
	}
	seq := a.seq
	a.snapshotInFlight = true
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
		defer cancel()
		err := a.store.SaveSnapshot(ctx, a.persistenceID, seq, ev)
		_ = a.send(context.Background(), envelope{msg: snapshotSaved{seq: seq, err: err}})
	}()
}

func (a *Aggregator) snapshotDone(m snapshotSaved) {
	a.snapshotInFlight = false
	if m.err != nil {
		a.log.Error(m.err, logger.NewField("event", "save aggregator snapshot"), logger.NewField("seq", m.seq))
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
		defer cancel()
		if err := a.store.DeleteBefore(ctx, a.persistenceID, m.seq); err != nil {
			a.log.Error(err, logger.NewField("event", "prune aggregator journal"), logger.NewField("seq", m.seq))
		}
	}()
}

// recover restores the newest state: the last journal record if any,
// otherwise the latest snapshot. No events are replayed.
func (a *Aggregator) recover(ctx context.Context) error {
	snap, entries, err := a.store.LoadLatest(ctx, a.persistenceID)
	if err != nil {
		return err
	}

	var latest *journal.Event
	switch {
	case len(entries) > 0:
		last := entries[len(entries)-1]
		latest, a.seq = &last.Event, last.Seq
	case snap != nil:
		latest, a.seq = &snap.Event, snap.Seq
	default:
		return nil
	}

	st, err := decodeState(a.codec, latest.Manifest, latest.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", journal.ErrCorrupt, err)
	}
	for _, p := range st.prices {
		a.agg.price.Add(p)
	}
	for _, v := range st.volumes {
		a.agg.volume.Add(v)
	}
	for _, p := range st.priceUpdates {
		a.priceUpdates.Push(p)
	}
	for _, v := range st.volumeUpdates {
		a.volumeUpdates.Push(v)
	}
	if latest.Manifest != manifestV2 {
		a.log.Info("migrated aggregator snapshot", logger.NewField("from", latest.Manifest))
	}
	return nil
}
