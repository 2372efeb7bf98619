// Package wire encodes transactions and snapshots for transports and
// checkpoints.
//
// Frame layout:
//
//	[kind:1][xxhash64(kind||body):8][body]
//
// The high bit of kind marks a sealed body: the plaintext body encrypted
// with an adaptive.Cipher, with the kind byte as additional data. Bodies use
// the protobuf wire format, written and read directly with protowire.
//
// Encoders reject versions at or above domain.InvalidVersion, and decoders
// treat such versions as corruption.
package wire
