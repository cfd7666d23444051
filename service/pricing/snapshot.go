package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"tradeflow/domain/trade"
	"tradeflow/infra/codec"
)

// Aggregator snapshot schema versions.
//
// v1 kept only the averages (avg_price, avg_volume) plus the histories.
// v2 keeps the raw window samples so averages survive a restart unchanged.
const (
	manifestV1 = "MAS1"
	manifestV2 = "MAS2"
)

type aggregatorState struct {
	prices        []decimal.Decimal
	volumes       []decimal.Decimal
	priceUpdates  []trade.PriceChanged
	volumeUpdates []trade.VolumeChanged
}

func encodeState(c codec.Serializer, s aggregatorState) ([]byte, error) {
	var b []byte
	for _, p := range s.prices {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p.String())
	}
	for _, v := range s.volumes {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, v.String())
	}
	for _, p := range s.priceUpdates {
		_, payload, err := c.Marshal(p)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	for _, v := range s.volumeUpdates {
		_, payload, err := c.Marshal(v)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// decodeState reads any known schema version and migrates it to the current one.
func decodeState(c codec.Serializer, manifest string, b []byte) (aggregatorState, error) {
	switch manifest {
	case manifestV2:
		return decodeFields(c, b, false)
	case manifestV1:
		return decodeFields(c, b, true)
	default:
		return aggregatorState{}, fmt.Errorf("unknown aggregator snapshot %q", manifest)
	}
}

// In v1, fields 1 and 2 hold a single average each. Seeding the window
// with that average reproduces the saved values on the next tick.
func decodeFields(c codec.Serializer, b []byte, v1 bool) (aggregatorState, error) {
	var s aggregatorState
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return s, fmt.Errorf("aggregator snapshot: field %d has wire type %d", num, typ)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1, 2:
			d, err := decimal.NewFromString(string(raw))
			if err != nil {
				return s, err
			}
			if num == 1 {
				s.prices = append(s.prices, d)
			} else {
				s.volumes = append(s.volumes, d)
			}
		case 3:
			v, err := c.Unmarshal(codec.ManifestPriceChanged, raw)
			if err != nil {
				return s, err
			}
			s.priceUpdates = append(s.priceUpdates, v.(trade.PriceChanged))
		case 4:
			v, err := c.Unmarshal(codec.ManifestVolumeChanged, raw)
			if err != nil {
				return s, err
			}
			s.volumeUpdates = append(s.volumeUpdates, v.(trade.VolumeChanged))
		}
	}
	if v1 && (len(s.prices) > 1 || len(s.volumes) > 1) {
		return s, fmt.Errorf("aggregator snapshot v1: expected one average, got %d/%d", len(s.prices), len(s.volumes))
	}
	return s, nil
}
