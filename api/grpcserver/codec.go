package grpcserver

import (
	"fmt"
	"reflect"

	"google.golang.org/grpc/encoding"

	"tradeflow/infra/codec"
)

// CodecName is the gRPC content subtype the exchange service speaks.
const CodecName = "tradeflow"

// Codec carries domain messages as codec envelopes on the gRPC wire, so
// the service needs no generated stubs.
type Codec struct {
	s codec.Serializer
}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string { return CodecName }

func (c Codec) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("grpc codec: nil %T", v)
		}
		v = rv.Elem().Interface()
	}
	return c.s.Envelope(v)
}

// Unmarshal decodes into v, which must point at the decoded type or at an any.
func (c Codec) Unmarshal(data []byte, v any) error {
	msg, err := c.s.Open(data)
	if err != nil {
		return err
	}

	if p, ok := v.(*any); ok {
		*p = msg
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("grpc codec: cannot decode into %T", v)
	}
	mv := reflect.ValueOf(msg)
	if !mv.Type().AssignableTo(rv.Elem().Type()) {
		return fmt.Errorf("grpc codec: got %T, want %s", msg, rv.Elem().Type())
	}
	rv.Elem().Set(mv)
	return nil
}
