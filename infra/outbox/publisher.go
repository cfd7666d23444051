package outbox

import (
	"fmt"
	"sync"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
	"tradeflow/infra/pubsub"
	"tradeflow/pkg/logger"
)

const (
	defaultQueueSize = 4096
	maxBatch         = 256
)

type batchWriter interface {
	PutBatch(entries []Entry) error
}

// Publisher forwards every event to next and also queues the trade events
// (Bid, Ask, Fill, Match) for the outbox. Outbox writes happen on one
// background goroutine, grouped into synced batches, so Publish never waits
// on the disk. A full queue drops the event.
type Publisher struct {
	next  pubsub.Publisher
	w     batchWriter
	codec codec.Serializer
	log   logger.Interface

	queue     chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPublisher(next pubsub.Publisher, box *Outbox, log logger.Interface) *Publisher {
	return newPublisher(next, box, defaultQueueSize, log)
}

func newPublisher(next pubsub.Publisher, w batchWriter, queueSize int, log logger.Interface) *Publisher {
	if next == nil {
		next = pubsub.Noop{}
	}
	p := &Publisher{
		next:  next,
		w:     w,
		log:   log,
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.writeLoop()
	return p
}

func (p *Publisher) Publish(instrument string, event any) {
	p.next.Publish(instrument, event)

	kind, ok := trade.KindOf(event)
	if !ok || !isTradeKind(kind) {
		return
	}
	body, err := p.codec.Envelope(event)
	if err != nil {
		p.log.Error(err, logger.NewField("event", "outbox encode"), logger.NewField("type", fmt.Sprintf("%T", event)))
		return
	}

	select {
	case <-p.done:
		p.log.Warn("outbox publisher closed, event dropped", logger.NewField("instrument", instrument))
	case p.queue <- Entry{Key: []byte(instrument), Payload: body}:
	default:
		p.log.Warn("outbox queue full, event dropped",
			logger.NewField("instrument", instrument),
			logger.NewField("type", fmt.Sprintf("%T", event)),
		)
	}
}

// Close writes what is still queued and stops the writer.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Publisher) writeLoop() {
	defer p.wg.Done()
	batch := make([]Entry, 0, maxBatch)
	for {
		select {
		case <-p.done:
			p.drain(batch[:0])
			return
		case e := <-p.queue:
			batch = p.collect(append(batch[:0], e))
			p.write(batch)
		}
	}
}

// collect adds already-queued entries to batch without waiting.
func (p *Publisher) collect(batch []Entry) []Entry {
	for len(batch) < maxBatch {
		select {
		case e := <-p.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) drain(batch []Entry) {
	for {
		batch = p.collect(batch[:0])
		if len(batch) == 0 {
			return
		}
		p.write(batch)
	}
}

func (p *Publisher) write(batch []Entry) {
	if err := p.w.PutBatch(batch); err != nil {
		p.log.Error(err, logger.NewField("event", "outbox put"), logger.NewField("records", len(batch)))
	}
}

func isTradeKind(k trade.EventKind) bool {
	for _, t := range trade.TradeKinds {
		if t == k {
			return true
		}
	}
	return false
}
