package clientcrypto_test

import (
	"encoding/base64"
	"errors"
	"math/rand"
	"testing"

	"e2ee-chat/pkg/clientcrypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pair, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	ciphertext, err := clientcrypto.Encrypt("hello, world", pair.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == "hello, world" {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	plaintext, err := clientcrypto.Decrypt(ciphertext, pair.PrivateKey)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "hello, world" {
		t.Fatalf("expected round trip, got %q", plaintext)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	alice, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	bob, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	ciphertext, err := clientcrypto.Encrypt("for alice only", alice.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := clientcrypto.Decrypt(ciphertext, bob.PrivateKey); !errors.Is(err, clientcrypto.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestCiphertextVariesPerCall(t *testing.T) {
	pair, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	first, err := clientcrypto.Encrypt("same plaintext", pair.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := clientcrypto.Encrypt("same plaintext", pair.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("two encryptions of the same plaintext must differ")
	}
}

func TestDeterministicKeyGeneration(t *testing.T) {
	restore := clientcrypto.UseDeterministicRandom(rand.New(rand.NewSource(42)))
	first, err := clientcrypto.GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	restore = clientcrypto.UseDeterministicRandom(rand.New(rand.NewSource(42)))
	second, err := clientcrypto.GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	if first.PublicKey != second.PublicKey || first.PrivateKey != second.PrivateKey {
		t.Fatalf("expected identical pairs from the same seed")
	}
}

func TestInvalidKeyMaterial(t *testing.T) {
	if _, err := clientcrypto.Encrypt("x", "not base64!!"); !errors.Is(err, clientcrypto.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for malformed base64, got %v", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := clientcrypto.Encrypt("x", short); !errors.Is(err, clientcrypto.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for wrong length, got %v", err)
	}

	pair, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if _, err := clientcrypto.Decrypt("!!!", pair.PrivateKey); err == nil {
		t.Fatalf("expected error for malformed ciphertext")
	}
}
