package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing ids. It is safe for concurrent use.
type Sequencer struct {
	next atomic.Uint64
}

// New starts after last: the first Next returns last+1.
// Stores resume by passing the highest id they hold.
func New(last uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(last)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}
