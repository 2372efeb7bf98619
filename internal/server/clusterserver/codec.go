package clusterserver

import (
	"github.com/fxamacker/cbor/v2"
)

// cborCodec carries the cluster RPC messages as CBOR. Frames inside them
// are opaque byte strings.
type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
