package orderbook

import (
	"context"
	"fmt"

	ob "tradeflow/domain/orderbook"
	"tradeflow/domain/trade"
	"tradeflow/infra/journal"
	"tradeflow/infra/memory"
)

func (e *Entity) resetState() {
	e.book = ob.New(e.instrument)
	e.seq = 0
	e.lastSnapshotSeq = 0
	e.recent = memory.NewRing[trade.Match](e.cfg.RecentMatches)
	e.confirmed = make(map[trade.Confirmation]struct{})
	e.confirmOrder = memory.NewRing[trade.Confirmation](e.cfg.DedupeWindow)
}

// recover rebuilds the book from the newest snapshot plus the journal tail.
// Replaying the same history always yields the same book.
func (e *Entity) recover(ctx context.Context) error {
	snap, entries, err := e.store.LoadLatest(ctx, e.persistenceID)
	if err != nil {
		return err
	}

	e.resetState()
	if snap != nil {
		if err := e.restore(*snap); err != nil {
			return err
		}
	}

	for _, entry := range entries {
		if err := e.replay(entry); err != nil {
			return fmt.Errorf("replay seq %d: %w", entry.Seq, err)
		}
		e.seq = entry.Seq
	}
	return nil
}

func (e *Entity) restore(snap journal.Snapshot) error {
	if snap.Manifest != stateManifest {
		return fmt.Errorf("%w: snapshot manifest %q", journal.ErrCorrupt, snap.Manifest)
	}
	st, err := decodeState(e.codec, snap.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", journal.ErrCorrupt, err)
	}

	e.book = ob.FromSnapshot(st.book)
	for _, k := range st.confirmed {
		e.remember(k)
	}
	for _, m := range st.recent {
		e.recent.Push(m)
	}
	e.seq = snap.Seq
	e.lastSnapshotSeq = snap.Seq
	return nil
}

func (e *Entity) replay(entry journal.Entry) error {
	v, err := e.codec.Unmarshal(entry.Manifest, entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", journal.ErrCorrupt, err)
	}

	switch ev := v.(type) {
	case trade.Confirmable:
		if _, _, err := e.book.Submit(ev.Message); err != nil {
			return err
		}
		e.remember(trade.Confirmation{ConfirmationID: ev.ConfirmationID, SenderID: ev.SenderID})
	case trade.Bid, trade.Ask:
		if _, _, err := e.book.Submit(ev.(trade.WithInstrument)); err != nil {
			return err
		}
	case trade.Match:
		e.recent.Push(ev)
	case trade.Fill:
		// Fills are derived from the commands; the book already reflects them.
	default:
		return fmt.Errorf("unexpected journal event %T", v)
	}
	return nil
}
