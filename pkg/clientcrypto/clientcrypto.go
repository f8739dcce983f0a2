// Package clientcrypto implements the client-resident key lifecycle. Keys
// are generated on the device; the private key never leaves it. The server
// only ever sees the base64 blobs Encrypt produces.
package clientcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var (
	ErrKeyMismatch = errors.New("clientcrypto: ciphertext was not produced for this key pair")
	ErrInvalidKey  = errors.New("clientcrypto: invalid key material")
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the test
// completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func randomSource() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randomnessSrc
}

// KeyPair holds base64-encoded curve25519 key material. PublicKey is
// registered with the identity record; PrivateKey stays on the device.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randomSource())
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
	}, nil
}

// Encrypt seals plaintext for the holder of recipientPublicKey. Each call
// uses a fresh ephemeral key, so ciphertext varies per call.
func Encrypt(plaintext, recipientPublicKey string) (string, error) {
	pub, err := decodeKey(recipientPublicKey)
	if err != nil {
		return "", err
	}
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), &pub, randomSource())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext with the device's own private key. The public
// half is derived from the private key, so callers only keep one secret.
func Decrypt(ciphertext, ownPrivateKey string) (string, error) {
	priv, err := decodeKey(ownPrivateKey)
	if err != nil {
		return "", err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pub [32]byte
	copy(pub[:], pubSlice)

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("clientcrypto: malformed ciphertext: %w", err)
	}
	plaintext, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok {
		return "", ErrKeyMismatch
	}
	return string(plaintext), nil
}

func decodeKey(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
