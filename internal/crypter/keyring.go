package crypter

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every derived subkey.
	KeySize = 32
	// MinSecretSize is the shortest shared secret accepted by NewKeyring.
	MinSecretSize = 16

	blobVersion byte = 0x01
)

// BlobOverhead is 1 (version) + 24 (nonce) + 16 (tag).
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	hkdfInfoSign    = []byte("dealroom.sign.v1")
	hkdfInfoEncrypt = []byte("dealroom.encrypt.v1")
)

var (
	ErrSecretTooShort = fmt.Errorf("shared secret must be at least %d bytes", MinSecretSize)
	// ErrDecrypt is returned for every failed decryption. Callers cannot
	// tell a truncated blob from a forged one.
	ErrDecrypt = errors.New("decryption failed")
)

// Signer produces keyed tags. The domain separates tags computed for
// different purposes under the same key.
type Signer interface {
	Sign(domain string, data []byte) []byte
}

// Crypter is an authenticated, reversible cipher.
type Crypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// Keyring holds the subkeys derived from the process-wide shared secret.
// It satisfies both Signer and Crypter.
type Keyring struct {
	signKey []byte
	encKey  []byte
}

func NewKeyring(secret []byte) (*Keyring, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}

	signKey, err := deriveKey(secret, hkdfInfoSign)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	encKey, err := deriveKey(secret, hkdfInfoEncrypt)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	return &Keyring{signKey: signKey, encKey: encKey}, nil
}

// Sign returns the 32-byte keyed BLAKE3 hash of domain and data.
func (k *Keyring) Sign(domain string, data []byte) []byte {
	h, err := blake3.NewKeyed(k.signKey)
	if err != nil {
		// only fails for a key that is not KeySize bytes
		panic("crypter: keyed hash: " + err.Error())
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)

	return h.Sum(nil)
}

// Encrypt seals plaintext with XChaCha20-Poly1305. The output layout is
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// and the version byte is authenticated as additional data.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), BlobOverhead+len(plaintext))
	out[0] = blobVersion
	copy(out[1:], nonce[:])

	return aead.Seal(out, nonce[:], plaintext, []byte{blobVersion}), nil
}

func (k *Keyring) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < BlobOverhead || blob[0] != blobVersion {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(k.encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// deriveKey runs HKDF-SHA256 with a nil salt over the shared secret.
func deriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, err
	}

	return key, nil
}
