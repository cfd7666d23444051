package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stream struct {
	hwm       uint64
	entries   []Entry
	snapshots []Snapshot
}

// MemoryStore is an in-process Store for tests and single-node runs
// that do not need durability.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*stream)}
}

func (m *MemoryStore) stream(entityID string) *stream {
	s, ok := m.streams[entityID]
	if !ok {
		s = &stream{}
		m.streams[entityID] = s
	}
	return s
}

func (m *MemoryStore) Append(ctx context.Context, entityID string, seq uint64, events []Event) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(entityID)
	if seq != s.hwm+1 {
		return fmt.Errorf("%w: %s append at %d, last %d", ErrSequence, entityID, seq, s.hwm)
	}
	ts := time.Now().UnixNano()
	for i, ev := range events {
		s.entries = append(s.entries, Entry{Seq: seq + uint64(i), Time: ts, Event: copyEvent(ev)})
	}
	s.hwm = seq + uint64(len(events)) - 1
	return nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, entityID string, seq uint64, snap Event) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(entityID)
	for i := range s.snapshots {
		if s.snapshots[i].Seq == seq {
			s.snapshots[i] = Snapshot{Seq: seq, Time: time.Now().UnixNano(), Event: copyEvent(snap)}
			return nil
		}
	}
	s.snapshots = append(s.snapshots, Snapshot{Seq: seq, Time: time.Now().UnixNano(), Event: copyEvent(snap)})
	sort.Slice(s.snapshots, func(i, j int) bool { return s.snapshots[i].Seq < s.snapshots[j].Seq })
	return nil
}

func (m *MemoryStore) LoadLatest(ctx context.Context, entityID string) (*Snapshot, []Entry, error) {
	if err := validEntityID(entityID); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[entityID]
	if !ok {
		return nil, nil, nil
	}

	var snap *Snapshot
	from := uint64(0)
	if n := len(s.snapshots); n > 0 {
		latest := s.snapshots[n-1]
		latest.Event = copyEvent(latest.Event)
		snap = &latest
		from = latest.Seq
	}

	var entries []Entry
	for _, e := range s.entries {
		if e.Seq <= from {
			continue
		}
		if want := from + 1 + uint64(len(entries)); e.Seq != want {
			return nil, nil, fmt.Errorf("%w: %s expected %d, found %d", ErrCorrupt, entityID, want, e.Seq)
		}
		e.Event = copyEvent(e.Event)
		entries = append(entries, e)
	}
	return snap, entries, nil
}

func (m *MemoryStore) DeleteBefore(ctx context.Context, entityID string, seq uint64) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[entityID]
	if !ok {
		return nil
	}

	entries := s.entries[:0]
	for _, e := range s.entries {
		if e.Seq > seq {
			entries = append(entries, e)
		}
	}
	s.entries = entries

	snaps := s.snapshots[:0]
	for _, sn := range s.snapshots {
		if sn.Seq >= seq {
			snaps = append(snaps, sn)
		}
	}
	s.snapshots = snaps
	return nil
}

// Len reports how many entries and snapshots are held for entityID.
func (m *MemoryStore) Len(entityID string) (entries, snapshots int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[entityID]
	if !ok {
		return 0, 0
	}
	return len(s.entries), len(s.snapshots)
}

func copyEvent(ev Event) Event {
	ev.Payload = append([]byte(nil), ev.Payload...)
	return ev
}
