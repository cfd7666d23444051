package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"tradeflow/pkg/errors"
)

// PebbleStore keeps journals and snapshots of all entities in one pebble DB.
//
// Keys:
//
//	journal/{entity}/{seq:%020d}  -> frame
//	snapshot/{entity}/{seq:%020d} -> frame
//	hwm/{entity}                  -> highest appended seq (8 bytes)
type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.NewTracer("journal_open_error").Wrap(err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Append(ctx context.Context, entityID string, seq uint64, events []Event) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	hwm, err := s.highWaterMark(entityID)
	if err != nil {
		return err
	}
	if seq != hwm+1 {
		return fmt.Errorf("%w: %s append at %d, last %d", ErrSequence, entityID, seq, hwm)
	}

	b := s.db.NewBatch()
	defer b.Close()

	ts := s.now().UnixNano()
	for i, ev := range events {
		frame, err := encodeFrame(seq+uint64(i), ts, ev)
		if err != nil {
			return err
		}
		if err := b.Set(journalKey(entityID, seq+uint64(i)), frame, nil); err != nil {
			return errors.NewTracer("journal_append_error").Wrap(err)
		}
	}

	var last [8]byte
	binary.BigEndian.PutUint64(last[:], seq+uint64(len(events))-1)
	if err := b.Set(hwmKey(entityID), last[:], nil); err != nil {
		return errors.NewTracer("journal_append_error").Wrap(err)
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return errors.NewTracer("journal_append_error").Wrap(err)
	}
	return nil
}

func (s *PebbleStore) SaveSnapshot(ctx context.Context, entityID string, seq uint64, snap Event) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeFrame(seq, s.now().UnixNano(), snap)
	if err != nil {
		return err
	}
	if err := s.db.Set(snapshotKey(entityID, seq), frame, pebble.Sync); err != nil {
		return errors.NewTracer("journal_snapshot_error").Wrap(err)
	}
	return nil
}

func (s *PebbleStore) LoadLatest(ctx context.Context, entityID string) (*Snapshot, []Entry, error) {
	if err := validEntityID(entityID); err != nil {
		return nil, nil, err
	}

	snap, err := s.latestSnapshot(entityID)
	if err != nil {
		return nil, nil, err
	}

	from := uint64(1)
	if snap != nil {
		from = snap.Seq + 1
	}

	lower, upper := journalBounds(entityID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, errors.NewTracer("journal_load_error").Wrap(err)
	}
	defer iter.Close()

	var entries []Entry
	for iter.SeekGE(journalKey(entityID, from)); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		seq, ts, ev, err := decodeFrame(iter.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("%s %s: %w", entityID, iter.Key(), err)
		}
		if want := from + uint64(len(entries)); seq != want {
			return nil, nil, fmt.Errorf("%w: %s expected %d, found %d", ErrCorrupt, entityID, want, seq)
		}
		entries = append(entries, Entry{Seq: seq, Time: ts, Event: ev})
	}
	if err := iter.Error(); err != nil {
		return nil, nil, errors.NewTracer("journal_load_error").Wrap(err)
	}
	return snap, entries, nil
}

func (s *PebbleStore) DeleteBefore(ctx context.Context, entityID string, seq uint64) error {
	if err := validEntityID(entityID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(journalKey(entityID, 0), journalKey(entityID, seq+1), nil); err != nil {
		return errors.NewTracer("journal_prune_error").Wrap(err)
	}
	if err := b.DeleteRange(snapshotKey(entityID, 0), snapshotKey(entityID, seq), nil); err != nil {
		return errors.NewTracer("journal_prune_error").Wrap(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.NewTracer("journal_prune_error").Wrap(err)
	}
	return nil
}

func (s *PebbleStore) latestSnapshot(entityID string) (*Snapshot, error) {
	lower, upper := snapshotBounds(entityID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.NewTracer("journal_load_error").Wrap(err)
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, iter.Error()
	}
	seq, ts, ev, err := decodeFrame(iter.Value())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", entityID, iter.Key(), err)
	}
	return &Snapshot{Seq: seq, Time: ts, Event: ev}, nil
}

func (s *PebbleStore) highWaterMark(entityID string) (uint64, error) {
	val, closer, err := s.db.Get(hwmKey(entityID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewTracer("journal_hwm_error").Wrap(err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("%w: %s high-water mark", ErrCorrupt, entityID)
	}
	return binary.BigEndian.Uint64(val), nil
}

// -------------------- Keys --------------------

func journalKey(entityID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("journal/%s/%020d", entityID, seq))
}

func snapshotKey(entityID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("snapshot/%s/%020d", entityID, seq))
}

func hwmKey(entityID string) []byte {
	return []byte("hwm/" + entityID)
}

func journalBounds(entityID string) ([]byte, []byte) {
	return []byte("journal/" + entityID + "/"), []byte("journal/" + entityID + "/~")
}

func snapshotBounds(entityID string) ([]byte, []byte) {
	return []byte("snapshot/" + entityID + "/"), []byte("snapshot/" + entityID + "/~")
}
