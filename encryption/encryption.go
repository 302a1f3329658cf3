// Package encryption implements the optional page-level AEAD wrapper
// the pager boundary calls through: crypto/aes + cipher.NewGCM with a
// per-page random nonce and the page id as additional authenticated
// data.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/entidb/entidb/contracts"
	"github.com/entidb/entidb/entierr"
)

// NonceSize is the AES-GCM standard nonce length.
const NonceSize = 12

// TagSize is the AES-GCM authentication tag length appended to every
// ciphertext.
const TagSize = 16

// AEAD wraps a single AES-GCM key. Valid key sizes are 16, 24, and 32
// bytes (AES-128/192/256).
type AEAD struct {
	gcm cipher.AEAD
}

var _ contracts.Encryptor = (*AEAD)(nil)

// New builds an AEAD encryptor from a raw key. Key length must be 16,
// 24, or 32 bytes.
func New(key []byte) (*AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption: key must be 128/192/256 bits: %w", entierr.ErrInvalidArgument)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	return &AEAD{gcm: gcm}, nil
}

// IsEnabled always reports true for a constructed AEAD; the pager uses
// contracts.NopEncryptor when encryption is off.
func (a *AEAD) IsEnabled() bool { return true }

// Encrypt seals plaintext, prefixing a fresh random nonce to the
// returned blob: iv || ciphertext || tag. aad binds the ciphertext to
// its page id.
func (a *AEAD) Encrypt(plaintext []byte, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}
	sealed := a.gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt authenticates and opens a blob produced by Encrypt. A failed
// authentication check surfaces as entierr.ErrAuthenticationFailed,
// which pager callers translate into entierr.ErrCorruptPage.
func (a *AEAD) Decrypt(blob []byte, aad []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("encryption: blob too short: %w", entierr.ErrAuthenticationFailed)
	}
	nonce := blob[:NonceSize]
	ciphertext := blob[NonceSize:]
	plaintext, err := a.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", entierr.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// PageAAD builds the additional authenticated data for a page: its
// little-endian page id, binding ciphertext to its slot and defeating
// cut-and-paste attacks across pages.
func PageAAD(pageID uint32) []byte {
	aad := make([]byte, 4)
	binary.LittleEndian.PutUint32(aad, pageID)
	return aad
}
