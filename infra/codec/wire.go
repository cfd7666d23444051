package codec

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// encoder writes proto3-compatible fields; empty values are omitted so a
// decode/encode cycle reproduces the original bytes.
type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) decimal(num protowire.Number, d decimal.Decimal) {
	if d.IsZero() {
		return
	}
	e.string(num, d.String())
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.varint(num, 1)
	}
}

// time is written as unix milliseconds.
func (e *encoder) time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(t.UnixMilli()))
}

// message always writes, so repeated empty messages survive.
func (e *encoder) message(num protowire.Number, m []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, m)
}

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	u64 uint64
}

func (f field) string() string { return string(f.raw) }

func (f field) decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(f.raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %d: %w", f.num, err)
	}
	return d, nil
}

func (f field) time() time.Time {
	return time.UnixMilli(int64(f.u64)).UTC()
}

// walk calls fn for each varint or length-delimited field; other wire
// types are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
