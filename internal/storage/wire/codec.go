package wire

import (
	"fmt"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/pkg/crypto/adaptive"
)

// Codec encodes and decodes frames. The zero Codec writes plaintext frames.
// A Codec is safe for concurrent use.
type Codec struct {
	cipher adaptive.Cipher
}

// Option configures a Codec.
type Option func(*Codec)

// WithCipher seals every encoded body with c. Decoding then rejects
// plaintext frames.
func WithCipher(c adaptive.Cipher) Option {
	return func(codec *Codec) {
		codec.cipher = c
	}
}

// NewCodec creates a codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sealed reports whether the codec encrypts bodies.
func (c *Codec) Sealed() bool {
	return c.cipher != nil
}

// Message is a decoded frame. Exactly one of Tx and Snapshot is set.
type Message struct {
	Kind     Kind
	Tx       *txn.Transaction
	Snapshot *snapshot.Snapshot
}

// EncodeTransaction frames tx.
func (c *Codec) EncodeTransaction(tx *txn.Transaction) ([]byte, error) {
	body, err := appendTransaction(nil, tx)
	if err != nil {
		return nil, err
	}
	return c.frame(KindTransaction, body)
}

// EncodeSnapshot frames the full contents of snap.
func (c *Codec) EncodeSnapshot(snap *snapshot.Snapshot) ([]byte, error) {
	body, err := appendSnapshot(nil, snap)
	if err != nil {
		return nil, err
	}
	return c.frame(KindSnapshot, body)
}

// Decode verifies and decodes one frame.
func (c *Codec) Decode(frame []byte) (Message, error) {
	kind, body, err := c.open(frame)
	if err != nil {
		return Message{}, err
	}

	switch kind {
	case KindTransaction:
		tx, err := consumeTransaction(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Tx: tx}, nil
	case KindSnapshot:
		snap, err := consumeSnapshot(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Snapshot: snap}, nil
	default:
		return Message{}, domain.ErrUnknownFrame.WithDetails(kind.String())
	}
}

// DecodeTransaction decodes a frame that must hold a transaction.
func (c *Codec) DecodeTransaction(frame []byte) (*txn.Transaction, error) {
	msg, err := c.Decode(frame)
	if err != nil {
		return nil, err
	}
	if msg.Tx == nil {
		return nil, domain.ErrUnknownFrame.WithDetails("expected transaction, got " + msg.Kind.String())
	}
	return msg.Tx, nil
}

// DecodeSnapshot decodes a frame that must hold a snapshot.
func (c *Codec) DecodeSnapshot(frame []byte) (*snapshot.Snapshot, error) {
	msg, err := c.Decode(frame)
	if err != nil {
		return nil, err
	}
	if msg.Snapshot == nil {
		return nil, domain.ErrUnknownFrame.WithDetails("expected snapshot, got " + msg.Kind.String())
	}
	return msg.Snapshot, nil
}

func (c *Codec) frame(kind Kind, body []byte) ([]byte, error) {
	kindByte := byte(kind)
	if c.cipher != nil {
		kindByte |= sealedBit
		sealed, err := c.cipher.Encrypt(body, []byte{kindByte})
		if err != nil {
			return nil, fmt.Errorf("wire: seal %s: %w", kind, err)
		}
		body = sealed
	}
	return appendFrame(make([]byte, 0, headerSize+len(body)), kindByte, body), nil
}

func (c *Codec) open(frame []byte) (Kind, []byte, error) {
	kindByte, body, err := splitFrame(frame)
	if err != nil {
		return 0, nil, err
	}

	kind := Kind(kindByte &^ sealedBit)
	if !kind.valid() {
		return 0, nil, domain.ErrUnknownFrame.WithDetails(kind.String())
	}

	sealed := kindByte&sealedBit != 0
	switch {
	case sealed && c.cipher == nil:
		return 0, nil, domain.ErrCorruptedFrame.WithDetails("sealed frame but no cluster key configured")
	case !sealed && c.cipher != nil:
		return 0, nil, domain.ErrCorruptedFrame.WithDetails("plaintext frame on a sealed transport")
	case sealed:
		plain, err := c.cipher.Decrypt(body, []byte{kindByte})
		if err != nil {
			return 0, nil, domain.ErrCorruptedFrame.WithCause(err).WithDetails("cannot open sealed body")
		}
		body = plain
	}
	return kind, body, nil
}
