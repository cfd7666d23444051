package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	ob "tradeflow/domain/orderbook"
	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/infra/journal"
	"tradeflow/infra/memory"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/errors"
	"tradeflow/pkg/logger"
)

var (
	ErrStopped     = errors.New("orderbook: entity stopped")
	ErrPersistence = errors.New("orderbook: events not persisted")
	ErrForeign     = errors.New("orderbook: message for a different instrument")
	ErrUnhandled   = errors.New("orderbook: unhandled message")
)

// PersistenceID is the journal stream an instrument's book is stored under.
func PersistenceID(instrument string) string {
	return instrument + "-orderBook"
}

type Config struct {
	SnapshotInterval uint64        `env:"ORDERBOOK_SNAPSHOT_INTERVAL" envDefault:"100"`
	MailboxSize      int           `env:"ORDERBOOK_MAILBOX_SIZE" envDefault:"1024"`
	RecentMatches    int           `env:"ORDERBOOK_RECENT_MATCHES" envDefault:"100"`
	DedupeWindow     int           `env:"ORDERBOOK_DEDUPE_WINDOW" envDefault:"4096"`
	StoreTimeout     time.Duration `env:"ORDERBOOK_STORE_TIMEOUT" envDefault:"5s"`
}

func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 100,
		MailboxSize:      1024,
		RecentMatches:    100,
		DedupeWindow:     4096,
		StoreTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.RecentMatches <= 0 {
		c.RecentMatches = d.RecentMatches
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

type Option func(*Entity)

// WithClock replaces the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Entity) { e.now = now }
}

type directSub struct {
	sub   trade.Subscriber
	kinds map[trade.EventKind]struct{}
}

// Entity owns the order book of one instrument. All state is touched only by
// the mailbox goroutine; callers talk to it through Tell and Ask.
type Entity struct {
	instrument    string
	persistenceID string
	cfg           Config

	store     journal.Store
	publisher pubsub.Publisher
	codec     codec.Serializer
	log       logger.Interface
	now       func() time.Time

	mailbox  chan envelope
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	fatal    error

	book             *ob.Book
	seq              uint64
	lastSnapshotSeq  uint64
	snapshotInFlight bool
	recent           *memory.Ring[trade.Match]
	confirmed        map[trade.Confirmation]struct{}
	confirmOrder     *memory.Ring[trade.Confirmation]
	subs             map[string]*directSub
}

func New(
	instrument string,
	store journal.Store,
	publisher pubsub.Publisher,
	log logger.Interface,
	cfg Config,
	opts ...Option,
) *Entity {
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = pubsub.Noop{}
	}
	e := &Entity{
		instrument:    instrument,
		persistenceID: PersistenceID(instrument),
		cfg:           cfg,
		store:         store,
		publisher:     publisher,
		log:           log.With(logger.NewField("instrument", instrument)),
		now:           time.Now,
		mailbox:       make(chan envelope, cfg.MailboxSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		subs:          make(map[string]*directSub),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resetState()
	return e
}

func (e *Entity) Instrument() string { return e.instrument }

// Start recovers the book from the store and starts the mailbox loop.
func (e *Entity) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		e.stopOnce.Do(func() { close(e.stop) })
		close(e.done)
		return errors.NewTracer("orderbook: recovery").Wrap(err)
	}
	e.log.Info("order book recovered",
		logger.NewField("seq", e.seq),
		logger.NewField("snapshot_seq", e.lastSnapshotSeq),
	)
	go e.run()
	return nil
}

// Stop ends the mailbox loop and waits for background work to finish.
func (e *Entity) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
	e.wg.Wait()
}

// Done is closed once the entity has stopped, normally or fatally.
func (e *Entity) Done() <-chan struct{} { return e.done }

// Err reports the fatal error that stopped the entity, if any.
// It is only meaningful after Done is closed.
func (e *Entity) Err() error {
	select {
	case <-e.done:
		return e.fatal
	default:
		return nil
	}
}

// Tell enqueues msg without waiting for it to be handled.
func (e *Entity) Tell(ctx context.Context, msg any) error {
	return e.send(ctx, envelope{msg: msg})
}

// Ask enqueues msg and waits for its reply. Replies that are errors are
// returned as the error.
func (e *Entity) Ask(ctx context.Context, msg any) (any, error) {
	env := envelope{msg: msg, reply: make(chan any, 1)}
	if err := e.send(ctx, env); err != nil {
		return nil, err
	}
	select {
	case r := <-env.reply:
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	case <-e.done:
		return nil, e.stoppedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribers reports how many direct subscribers the entity currently holds.
func (e *Entity) Subscribers(ctx context.Context) (int, error) {
	r, err := e.Ask(ctx, subscriberCount{})
	if err != nil {
		return 0, err
	}
	return r.(int), nil
}

func (e *Entity) send(ctx context.Context, env envelope) error {
	select {
	case <-e.done:
		return e.stoppedErr()
	default:
	}
	select {
	case e.mailbox <- env:
		return nil
	case <-e.done:
		return e.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entity) stoppedErr() error {
	if e.fatal != nil {
		return fmt.Errorf("%w: %v", ErrStopped, e.fatal)
	}
	return ErrStopped
}

// -------------------- Loop --------------------

func (e *Entity) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case env := <-e.mailbox:
			r := e.handle(env.msg)
			if env.reply != nil {
				env.reply <- r
			}
			if e.fatal != nil {
				e.log.Error(e.fatal, logger.NewField("event", "entity stopped"))
				return
			}
		}
	}
}

func (e *Entity) handle(msg any) any {
	switch m := msg.(type) {
	case trade.Confirmable:
		return e.handleConfirmable(m)
	case trade.Bid:
		return e.handleOrder(m, nil)
	case trade.Ask:
		return e.handleOrder(m, nil)
	case trade.GetOrderBookSnapshot:
		return e.book.Snapshot(e.now())
	case trade.GetRecentMatches:
		return trade.RecentMatches{Instrument: e.instrument, Matches: e.recent.Slice()}
	case trade.TradeSubscribe:
		return pubsub.SubscribeReply(m, e.subscribe(m))
	case trade.TradeUnsubscribe:
		e.unsubscribe(m)
		return trade.TradeUnsubscribeAck{Instrument: m.Instrument, Kinds: m.Kinds}
	case subscriberTerminated:
		if _, ok := e.subs[m.id]; ok {
			delete(e.subs, m.id)
			e.log.Debug("subscriber terminated", logger.NewField("subscriber", m.id))
		}
		return nil
	case snapshotSaved:
		e.snapshotDone(m)
		return nil
	case subscriberCount:
		return len(e.subs)
	default:
		e.log.Warn("unhandled message", logger.NewField("type", fmt.Sprintf("%T", msg)))
		return fmt.Errorf("%w: %T", ErrUnhandled, msg)
	}
}

// -------------------- Commands --------------------

func (e *Entity) handleConfirmable(c trade.Confirmable) any {
	key := trade.Confirmation{ConfirmationID: c.ConfirmationID, SenderID: c.SenderID}
	if _, seen := e.confirmed[key]; seen {
		// Already durable: a redelivery gets the same answer and no new events.
		return key
	}
	switch c.Message.(type) {
	case trade.Bid, trade.Ask:
	default:
		e.log.Warn("unsupported confirmable payload", logger.NewField("type", fmt.Sprintf("%T", c.Message)))
		return fmt.Errorf("%w: confirmable %T", ErrUnhandled, c.Message)
	}
	if r := e.handleOrder(c.Message, &c); r != nil {
		return r
	}
	return key
}

// handleOrder matches cmd, persists the command with its fills and matches
// as one batch and then publishes them. A nil result means success.
func (e *Entity) handleOrder(cmd trade.WithInstrument, confirm *trade.Confirmable) any {
	if cmd.InstrumentID() != e.instrument {
		e.log.Warn("dropping order for foreign instrument", logger.NewField("target", cmd.InstrumentID()))
		return fmt.Errorf("%w: %q", ErrForeign, cmd.InstrumentID())
	}

	fills, matches, err := e.book.Submit(cmd)
	if err != nil {
		return err
	}

	events := make([]any, 0, 1+len(fills)+len(matches))
	if confirm != nil {
		events = append(events, *confirm)
	} else {
		events = append(events, cmd)
	}
	for i, m := range matches {
		events = append(events, fills[2*i], fills[2*i+1], m)
	}

	if err := e.persist(events); err != nil {
		e.log.Error(err, logger.NewField("event", "persist failed, recovering"))
		if rerr := e.recoverAfterFailure(); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if confirm != nil {
		e.remember(trade.Confirmation{ConfirmationID: confirm.ConfirmationID, SenderID: confirm.SenderID})
	}
	for _, m := range matches {
		e.recent.Push(m)
	}

	e.publish(cmd)
	for _, ev := range events[1:] {
		e.publish(ev)
	}

	e.maybeSnapshot()
	return nil
}

func (e *Entity) persist(events []any) error {
	batch := make([]journal.Event, 0, len(events))
	for _, ev := range events {
		manifest, payload, err := e.codec.Marshal(ev)
		if err != nil {
			return err
		}
		batch = append(batch, journal.Event{Manifest: manifest, Payload: payload})
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.Append(ctx, e.persistenceID, e.seq+1, batch); err != nil {
		return err
	}
	e.seq += uint64(len(batch))
	return nil
}

// recoverAfterFailure discards in-memory effects of a batch that did not
// reach the store. Corruption is fatal.
func (e *Entity) recoverAfterFailure() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.recover(ctx); err != nil {
		if errors.Is(err, journal.ErrCorrupt) {
			e.fatal = err
		}
		return errors.NewTracer("orderbook: recovery after failed persist").Wrap(err)
	}
	return nil
}

func (e *Entity) remember(key trade.Confirmation) {
	if evicted, ok := e.confirmOrder.Push(key); ok {
		delete(e.confirmed, evicted)
	}
	e.confirmed[key] = struct{}{}
}

// -------------------- Publication --------------------

func (e *Entity) publish(ev any) {
	e.publisher.Publish(e.instrument, ev)

	kind, ok := trade.KindOf(ev)
	if !ok {
		return
	}
	for _, ds := range e.subs {
		if _, want := ds.kinds[kind]; want {
			ds.sub.Deliver(ev)
		}
	}
}

func (e *Entity) subscribe(req trade.TradeSubscribe) error {
	if req.Subscriber == nil {
		return errors.New("no subscriber")
	}
	if req.Instrument != e.instrument {
		return fmt.Errorf("%w: %q", ErrForeign, req.Instrument)
	}
	ds, ok := e.subs[req.Subscriber.ID()]
	if !ok {
		ds = &directSub{sub: req.Subscriber, kinds: make(map[trade.EventKind]struct{})}
		e.subs[req.Subscriber.ID()] = ds
		e.watch(req.Subscriber)
	}
	for _, k := range req.Kinds {
		ds.kinds[k] = struct{}{}
	}
	return nil
}

func (e *Entity) unsubscribe(req trade.TradeUnsubscribe) {
	if req.Subscriber == nil {
		return
	}
	ds, ok := e.subs[req.Subscriber.ID()]
	if !ok {
		return
	}
	for _, k := range req.Kinds {
		delete(ds.kinds, k)
	}
	if len(ds.kinds) == 0 {
		delete(e.subs, req.Subscriber.ID())
	}
}

func (e *Entity) watch(sub trade.Subscriber) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-sub.Done():
			_ = e.send(context.Background(), envelope{msg: subscriberTerminated{id: sub.ID()}})
		case <-e.done:
		}
	}()
}

// -------------------- Snapshots --------------------

func (e *Entity) maybeSnapshot() {
	if e.snapshotInFlight || e.seq-e.lastSnapshotSeq < e.cfg.SnapshotInterval {
		return
	}

	body, err := encodeState(e.codec, e.currentState())
	if err != nil {
		e.log.Error(err, logger.NewField("event", "encode snapshot"))
		return
	}

	seq := e.seq
	e.snapshotInFlight = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		defer cancel()
		err := e.store.SaveSnapshot(ctx, e.persistenceID, seq, journal.Event{Manifest: stateManifest, Payload: body})
		_ = e.send(context.Background(), envelope{msg: snapshotSaved{seq: seq, err: err}})
	}()
}

func (e *Entity) snapshotDone(m snapshotSaved) {
	e.snapshotInFlight = false
	if m.err != nil {
		e.log.Error(m.err, logger.NewField("event", "save snapshot"), logger.NewField("seq", m.seq))
		return
	}
	e.lastSnapshotSeq = m.seq
	e.log.Debug("snapshot saved", logger.NewField("seq", m.seq))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		defer cancel()
		if err := e.store.DeleteBefore(ctx, e.persistenceID, m.seq); err != nil {
			e.log.Error(err, logger.NewField("event", "prune journal"), logger.NewField("seq", m.seq))
		}
	}()
}

func (e *Entity) currentState() state {
	return state{
		book:      e.book.Snapshot(e.now()),
		confirmed: e.confirmOrder.Slice(),
		recent:    e.recent.Slice(),
	}
}
