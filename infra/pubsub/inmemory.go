package pubsub

import (
	"context"
	"sync"

	"tradeflow/domain/trade"
	"tradeflow/pkg/logger"
)

type registration struct {
	sub    trade.Subscriber
	topics map[string]struct{}
	stop   chan struct{}
}

// InMemory is the single-process registry. It watches every registered
// subscriber and drops all of its registrations once Done is closed.
type InMemory struct {
	mu     sync.RWMutex
	topics map[string]map[string]trade.Subscriber
	regs   map[string]*registration
	log    logger.Interface
}

func NewInMemory(log logger.Interface) *InMemory {
	return &InMemory{
		topics: make(map[string]map[string]trade.Subscriber),
		regs:   make(map[string]*registration),
		log:    log,
	}
}

func (m *InMemory) Subscribe(ctx context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[sub.ID()]
	if !ok {
		reg = &registration{sub: sub, topics: make(map[string]struct{}), stop: make(chan struct{})}
		m.regs[sub.ID()] = reg
		go m.watch(reg)
	}

	for _, k := range kinds {
		topic := Topic(instrument, k)
		subs, ok := m.topics[topic]
		if !ok {
			subs = make(map[string]trade.Subscriber)
			m.topics[topic] = subs
		}
		subs[sub.ID()] = sub
		reg.topics[topic] = struct{}{}
	}
	return nil
}

func (m *InMemory) Unsubscribe(_ context.Context, instrument string, kinds []trade.EventKind, sub trade.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[sub.ID()]
	if !ok {
		return nil
	}
	for _, k := range kinds {
		topic := Topic(instrument, k)
		m.removeLocked(topic, sub.ID())
		delete(reg.topics, topic)
	}
	if len(reg.topics) == 0 {
		close(reg.stop)
		delete(m.regs, sub.ID())
	}
	return nil
}

func (m *InMemory) Publish(instrument string, event any) {
	topic, ok := TopicOf(instrument, event)
	if !ok {
		m.log.Warn("publish of unsupported event", logger.NewField("instrument", instrument), logger.NewField("type", typeName(event)))
		return
	}

	m.mu.RLock()
	targets := make([]trade.Subscriber, 0, len(m.topics[topic]))
	for _, s := range m.topics[topic] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !s.Deliver(event) {
			m.log.Debug("event dropped by subscriber", logger.NewField("topic", topic), logger.NewField("subscriber", s.ID()))
		}
	}
}

// Subscribers returns the ids registered on topic.
func (m *InMemory) Subscribers(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.topics[topic]))
	for id := range m.topics[topic] {
		ids = append(ids, id)
	}
	return ids
}

func (m *InMemory) watch(reg *registration) {
	select {
	case <-reg.stop:
	case <-reg.sub.Done():
		m.terminated(reg)
	}
}

func (m *InMemory) terminated(reg *registration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.regs[reg.sub.ID()] != reg {
		return
	}
	for topic := range reg.topics {
		m.removeLocked(topic, reg.sub.ID())
	}
	delete(m.regs, reg.sub.ID())
	m.log.Debug("subscriber terminated", logger.NewField("subscriber", reg.sub.ID()), logger.NewField("topics", len(reg.topics)))
}

func (m *InMemory) removeLocked(topic, id string) {
	subs := m.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}
