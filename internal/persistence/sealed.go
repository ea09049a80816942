package persistence

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedKeyInfo = "authcore secure values v1"

// MinMasterKeyLen is the shortest master key NewSealed accepts.
const MinMasterKeyLen = 16

// ErrSealedValueCorrupt is returned when a stored value fails authentication.
var ErrSealedValueCorrupt = errors.New("sealed value failed authentication")

// Sealed encrypts every value with XChaCha20-Poly1305 before handing it to
// the wrapped store. The value name is bound as associated data, so a value
// copied under another name does not open.
type Sealed struct {
	inner KeyValueStore
	aead  cipher.AEAD
}

// NewSealed derives the sealing key from masterKey with HKDF-SHA256.
func NewSealed(inner KeyValueStore, masterKey []byte) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("sealed store: inner store is nil")
	}
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("sealed store: master key must be at least %d bytes", MinMasterKeyLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(sealedKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) Get(ctx context.Context, name string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, name)
	if err != nil || raw == nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %q too short", ErrSealedValueCorrupt, name)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrSealedValueCorrupt, name)
	}
	return plain, nil
}

func (s *Sealed) Set(ctx context.Context, name string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return s.inner.Set(ctx, name, s.aead.Seal(nonce, nonce, value, []byte(name)))
}

func (s *Sealed) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}
