package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/desertthunder/orgsync/internal/shared"
)

const (
	keySize   = 32
	nonceSize = 24
)

var keySalt = []byte("orgsync/vault/v1")

var errOpen = errors.New("failed to open sealed value")

// Sealer encrypts token material with a key derived from the configured passphrase.
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives a secretbox key from passphrase with Argon2id.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: vault key is empty (set [vault] key or ORGSYNC_VAULT_KEY)", shared.ErrMissingConfig)
	}

	s := &Sealer{}
	copy(s.key[:], argon2.IDKey([]byte(passphrase), keySalt, 1, 64*1024, 4, keySize))
	return s, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by [Sealer.Seal].
func (s *Sealer) Open(box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, errOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])

	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errOpen
	}
	return out, nil
}
