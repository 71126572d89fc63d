// Package credential encrypts bot tokens at rest and validates their shape.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrEmptyPassphrase = errors.New("credential passphrase is empty")
	ErrMalformed       = errors.New("encrypted credential is malformed")
	ErrDecrypt         = errors.New("failed to decrypt credential")
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	scryptCost        = 16384
	scryptBlockSize   = 8
	scryptParallelism = 1
)

// tokenPattern matches the three dot-delimited segments of a bot token:
// base64 user ID, timestamp and HMAC.
var tokenPattern = regexp.MustCompile(`^[A-Za-z\d_-]{24,28}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,38}$`)

// ValidTokenShape reports whether token looks like a bot token.
func ValidTokenShape(token string) bool {
	return tokenPattern.MatchString(token)
}

// Codec encrypts and decrypts tokens with a key derived from a passphrase.
// Every ciphertext carries its own salt so equal tokens encrypt differently.
type Codec struct {
	passphrase []byte
}

// NewCodec creates a codec for the given passphrase.
func NewCodec(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	return &Codec{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext and returns it base64 encoded as salt|nonce|box.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := c.deriveKey(salt[:])
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, []byte(plaintext), &nonce, key)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Codec) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return "", ErrMalformed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])

	key, err := c.deriveKey(data[:saltSize])
	if err != nil {
		return "", err
	}

	plaintext, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

func (c *Codec) deriveKey(salt []byte) (*[keySize]byte, error) {
	dk, err := scrypt.Key(c.passphrase, salt, scryptCost, scryptBlockSize, scryptParallelism, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	var key [keySize]byte
	copy(key[:], dk)

	return &key, nil
}
