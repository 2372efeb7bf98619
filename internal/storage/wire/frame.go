package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// Kind identifies the payload of a frame.
type Kind byte

const (
	KindTransaction Kind = 1
	KindSnapshot    Kind = 2

	sealedBit  byte = 0x80
	headerSize      = 1 + 8
)

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k == KindTransaction || k == KindSnapshot
}

// appendFrame writes the header for kind and body followed by body.
func appendFrame(dst []byte, kindByte byte, body []byte) []byte {
	d := xxhash.New()
	_, _ = d.Write([]byte{kindByte})
	_, _ = d.Write(body)

	dst = append(dst, kindByte)
	dst = binary.BigEndian.AppendUint64(dst, d.Sum64())
	return append(dst, body...)
}

// splitFrame verifies the checksum and returns the raw kind byte and body.
func splitFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < headerSize {
		return 0, nil, domain.ErrCorruptedFrame.WithDetails(
			fmt.Sprintf("frame of %d bytes is shorter than its header", len(frame)))
	}
	kindByte := frame[0]
	want := binary.BigEndian.Uint64(frame[1:headerSize])
	body := frame[headerSize:]

	d := xxhash.New()
	_, _ = d.Write([]byte{kindByte})
	_, _ = d.Write(body)
	if got := d.Sum64(); got != want {
		return 0, nil, domain.ErrCorruptedFrame.WithDetails(
			fmt.Sprintf("checksum mismatch: got %016x, want %016x", got, want))
	}
	return kindByte, body, nil
}

// PeekKind returns the kind of frame without verifying it.
func PeekKind(frame []byte) (Kind, bool) {
	if len(frame) < headerSize {
		return 0, false
	}
	return Kind(frame[0] &^ sealedBit), true
}
