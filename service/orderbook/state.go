package orderbook

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
)

// stateManifest tags the entity snapshot body inside the journal.
const stateManifest = "OBE1"

// state is what an entity snapshot restores: the book, the recent
// confirmation keys and the recent matches window.
type state struct {
	book      trade.OrderbookSnapshot
	confirmed []trade.Confirmation
	recent    []trade.Match
}

func encodeState(c codec.Serializer, s state) ([]byte, error) {
	var b []byte
	appendMsg := func(num protowire.Number, v any) error {
		_, payload, err := c.Marshal(v)
		if err != nil {
			return err
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
		return nil
	}

	if err := appendMsg(1, s.book); err != nil {
		return nil, err
	}
	for _, k := range s.confirmed {
		if err := appendMsg(2, k); err != nil {
			return nil, err
		}
	}
	for _, m := range s.recent {
		if err := appendMsg(3, m); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func decodeState(c codec.Serializer, b []byte) (state, error) {
	var s state
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return s, fmt.Errorf("entity state: field %d has wire type %d", num, typ)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, err := c.Unmarshal(codec.ManifestOrderbookSnapshot, raw)
			if err != nil {
				return s, err
			}
			s.book = v.(trade.OrderbookSnapshot)
		case 2:
			v, err := c.Unmarshal(codec.ManifestConfirmation, raw)
			if err != nil {
				return s, err
			}
			s.confirmed = append(s.confirmed, v.(trade.Confirmation))
		case 3:
			v, err := c.Unmarshal(codec.ManifestMatch, raw)
			if err != nil {
				return s, err
			}
			s.recent = append(s.recent, v.(trade.Match))
		}
	}
	return s, nil
}
