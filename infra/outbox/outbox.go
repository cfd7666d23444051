package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"tradeflow/infra/sequence"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var ErrRecord = errors.New("outbox: malformed record")

// -------------------- Record --------------------

// Record is one event waiting to leave the process.
type Record struct {
	ID          uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Key         []byte // partition key, the instrument
	Payload     []byte
}

const recordHeader = 1 + 4 + 8 + 2

// [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeader+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	copy(buf[recordHeader:], r.Key)
	copy(buf[recordHeader+len(r.Key):], r.Payload)
	return buf
}

func decodeRecord(id uint64, b []byte) (Record, error) {
	if len(b) < recordHeader {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecord, len(b))
	}
	klen := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < recordHeader+klen {
		return Record{}, fmt.Errorf("%w: key length %d", ErrRecord, klen)
	}
	return Record{
		ID:          id,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte(nil), b[recordHeader:recordHeader+klen]...),
		Payload:     append([]byte(nil), b[recordHeader+klen:]...),
	}, nil
}

// -------------------- Outbox --------------------

// Outbox is a durable queue of serialized events, drained by the broadcaster.
type Outbox struct {
	db  *pebble.DB
	seq *sequence.Sequencer
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	last, err := lastID(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db, seq: sequence.New(last)}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a NEW record and returns its id.
func (o *Outbox) Put(key, payload []byte) (uint64, error) {
	id := o.seq.Next()
	rec := Record{ID: id, State: StateNew, Key: key, Payload: payload}
	if err := o.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, err
	}
	return id, nil
}

// Entry is the body of a record to be queued.
type Entry struct {
	Key     []byte
	Payload []byte
}

// PutBatch stores entries as NEW records in one synced commit, ids in order.
func (o *Outbox) PutBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := o.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		id := o.seq.Next()
		rec := Record{ID: id, State: StateNew, Key: e.Key, Payload: e.Payload}
		if err := batch.Set(keyFor(id), encodeRecord(rec), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Update rewrites the delivery state of a record, keeping its body.
func (o *Outbox) Update(id uint64, state State, retries uint32) error {
	rec, err := o.Get(id)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync)
}

func (o *Outbox) MarkSent(id uint64) error {
	rec, err := o.Get(id)
	if err != nil {
		return err
	}
	return o.Update(id, StateSent, rec.Retries)
}

// MarkAcked removes a delivered record.
func (o *Outbox) MarkAcked(id uint64) error {
	return o.db.Delete(keyFor(id), pebble.Sync)
}

func (o *Outbox) Get(id uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(id))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()

	return decodeRecord(id, val)
}

// -------------------- Scan --------------------

// ScanPending visits NEW and SENT records in id order. SENT records are
// ones whose delivery was interrupted and must be sent again.
func (o *Outbox) ScanPending(fn func(rec Record) error) error {
	return o.scan(func(rec Record) error {
		if rec.State != StateNew && rec.State != StateSent {
			return nil
		}
		return fn(rec)
	})
}

// ScanByState visits the records in state.
func (o *Outbox) ScanByState(state State, fn func(rec Record) error) error {
	return o.scan(func(rec Record) error {
		if rec.State != state {
			return nil
		}
		return fn(rec)
	})
}

func (o *Outbox) scan(fn func(rec Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func lastID(db *pebble.DB) (uint64, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", id))
}

func parseKey(b []byte) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("event/"))), "%d", &id)
	return id, err
}
