package syncproto

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the pbwire codec.
const CodecName = "pbwire"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals Message values with protowire.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("pbwire: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("pbwire: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}
