// Package adaptive provides AEAD ciphers for sealing replication frames.
//
// New picks AES-256-GCM on platforms with hardware AES support and
// ChaCha20-Poly1305 elsewhere. FromSecret derives the cipher key from a
// shared cluster secret with HKDF-SHA256, so every node holding the same
// secret and purpose string gets the same key.
//
// Usage:
//
//	c, err := adaptive.FromSecret(secret, "statemesh/wire/v1")
//	sealed, err := c.Encrypt(plaintext, header)
//	plaintext, err := c.Decrypt(sealed, header)
//
// Ciphertexts carry their random nonce as a prefix. All ciphers are safe for
// concurrent use.
package adaptive
