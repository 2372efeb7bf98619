package adaptive

import (
	"bytes"
	"errors"
	"testing"
)

var key32 = func() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}()

func TestNew(t *testing.T) {
	c, err := New(key32)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Type() != Preferred() {
		t.Errorf("New() type = %s, want %s", c.Type(), Preferred())
	}
}

func TestNewWithType(t *testing.T) {
	tests := []struct {
		name    string
		typ     CipherType
		keyLen  int
		wantErr error
	}{
		{"aes-128", CipherAESGCM, 16, nil},
		{"aes-192", CipherAESGCM, 24, nil},
		{"aes-256", CipherAESGCM, 32, nil},
		{"aes bad key", CipherAESGCM, 20, ErrInvalidKeySize},
		{"chacha", CipherChaCha20, 32, nil},
		{"chacha short key", CipherChaCha20, 16, ErrInvalidKeySize},
		{"unknown", CipherType("rot13"), 32, ErrUnknownCipher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewWithType(make([]byte, tt.keyLen), tt.typ)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewWithType() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewWithType() error = %v", err)
			}
			if c.Type() != tt.typ {
				t.Errorf("Type() = %s, want %s", c.Type(), tt.typ)
			}
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	for _, typ := range []CipherType{CipherAESGCM, CipherChaCha20} {
		t.Run(string(typ), func(t *testing.T) {
			c, err := NewWithType(key32, typ)
			if err != nil {
				t.Fatalf("NewWithType() error = %v", err)
			}

			plaintext := []byte("frame body")
			ad := []byte{0x81}

			sealed, err := c.Encrypt(plaintext, ad)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(sealed) != len(plaintext)+c.Overhead() {
				t.Errorf("sealed length = %d, want %d", len(sealed), len(plaintext)+c.Overhead())
			}

			got, err := c.Decrypt(sealed, ad)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("Decrypt() = %q, want %q", got, plaintext)
			}

			if _, err := c.Decrypt(sealed, []byte{0x82}); err == nil {
				t.Error("Decrypt() with other additional data should fail")
			}

			tampered := bytes.Clone(sealed)
			tampered[len(tampered)-1] ^= 0xFF
			if _, err := c.Decrypt(tampered, ad); err == nil {
				t.Error("Decrypt() of tampered ciphertext should fail")
			}

			if _, err := c.Decrypt(sealed[:c.NonceSize()], ad); !errors.Is(err, ErrCiphertextTooShort) {
				t.Errorf("Decrypt() short error = %v, want %v", err, ErrCiphertextTooShort)
			}
		})
	}
}

func TestEncrypt_Uniqueness(t *testing.T) {
	c, err := New(key32)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a, _ := c.Encrypt([]byte("same"), nil)
	b, _ := c.Encrypt([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("0123456789abcdef-cluster")

	k1, err := DeriveKey(secret, "wire")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, _ := DeriveKey(secret, "wire")
	k3, _ := DeriveKey(secret, "checkpoint")

	if len(k1) != 32 {
		t.Errorf("key length = %d, want 32", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same secret and purpose should derive the same key")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different purposes should derive different keys")
	}

	if _, err := DeriveKey([]byte("short"), "wire"); !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("DeriveKey() error = %v, want %v", err, ErrSecretTooShort)
	}
}

func TestFromSecret_Interoperates(t *testing.T) {
	secret := []byte("shared-cluster-secret")
	a, err := FromSecret(secret, "wire")
	if err != nil {
		t.Fatalf("FromSecret() error = %v", err)
	}
	b, err := FromSecret(secret, "wire")
	if err != nil {
		t.Fatalf("FromSecret() error = %v", err)
	}

	sealed, err := a.Encrypt([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := b.Decrypt(sealed, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Decrypt() = %q, want hello", got)
	}
}
