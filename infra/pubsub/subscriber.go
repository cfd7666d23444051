package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// ChanSubscriber buffers delivered events on a channel. When the buffer is
// full new events are dropped.
type ChanSubscriber struct {
	id   string
	ch   chan any
	done chan struct{}
	once sync.Once
}

func NewChanSubscriber(buffer int) *ChanSubscriber {
	return &ChanSubscriber{
		id:   uuid.NewString(),
		ch:   make(chan any, buffer),
		done: make(chan struct{}),
	}
}

func (s *ChanSubscriber) ID() string { return s.id }

func (s *ChanSubscriber) Deliver(event any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// C is the stream of delivered events.
func (s *ChanSubscriber) C() <-chan any { return s.ch }

func (s *ChanSubscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber terminated. Managers that watch it drop its registrations.
func (s *ChanSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}
