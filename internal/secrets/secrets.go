// Package secrets encrypts credential fields stored inside the JSON
// config file. Values are AES-256-GCM sealed under a password-derived
// scrypt key and persisted as "enc:" + base64(JSON payload) so an
// encrypted field survives config round-trips as an ordinary string.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Prefix marks an encrypted field value.
const Prefix = "enc:"

const payloadVersion = 1

var (
	// ErrInvalidPassword is returned when the password cannot open the payload.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidPayload indicates a malformed encrypted value.
	ErrInvalidPayload = errors.New("invalid encrypted payload")
)

type payload struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// IsEncrypted reports whether value carries the encrypted-field prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt seals value under password and returns the storage form.
// Empty values pass through unencrypted.
func Encrypt(value, password string) (string, error) {
	if value == "" {
		return "", nil
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	p := payload{
		Version:    payloadVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(value), nil)),
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix
// are returned unchanged, so callers can decrypt unconditionally.
func Decrypt(value, password string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrInvalidPayload, err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("%w: parse: %v", ErrInvalidPayload, err)
	}
	if p.Version != payloadVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", ErrInvalidPayload, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: decode nonce: %v", ErrInvalidPayload, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidPayload, err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce size", ErrInvalidPayload)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return string(plaintext), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
