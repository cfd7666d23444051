package journal

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrCorrupt is returned when stored bytes fail framing or CRC checks.
	// It is not retryable.
	ErrCorrupt = errors.New("journal: corrupt record")
	// ErrSequence is returned when an append does not continue the stream.
	ErrSequence = errors.New("journal: non-contiguous sequence")
	ErrEntityID = errors.New("journal: invalid entity id")
)

// Event is one serialized event or snapshot body.
type Event struct {
	Manifest string
	Payload  []byte
}

// Entry is a persisted event with its position in the entity stream.
type Entry struct {
	Seq  uint64
	Time int64 // unix nanoseconds at append
	Event
}

// Snapshot is a persisted state image taken at Seq.
type Snapshot struct {
	Seq  uint64
	Time int64
	Event
}

// Store is the durable per-entity journal and snapshot store.
//
//go:generate mockgen -source store.go -destination=mock/store_mock.go -package=journal_mock
type Store interface {
	// Append persists events atomically with sequence numbers seq, seq+1, ...
	// seq must be one past the highest sequence ever appended for entityID.
	Append(ctx context.Context, entityID string, seq uint64, events []Event) error
	SaveSnapshot(ctx context.Context, entityID string, seq uint64, snap Event) error
	// LoadLatest returns the newest snapshot (nil if none) and every entry after it.
	LoadLatest(ctx context.Context, entityID string) (*Snapshot, []Entry, error)
	// DeleteBefore removes snapshots older than seq and entries up to and including seq.
	DeleteBefore(ctx context.Context, entityID string, seq uint64) error
}

func validEntityID(id string) error {
	if id == "" || strings.ContainsAny(id, "/~") {
		return ErrEntityID
	}
	return nil
}
