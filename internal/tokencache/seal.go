package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scrypt cost parameters for the passphrase-derived root key (2^15, 8, 1).
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	// Fixed salt and HKDF info for the sealing key.
	sealSalt = "gqlconsole-token-cache"
	sealInfo = "gqlconsole-token-cache-aes-gcm"
)

// Sealer encrypts durable cache values. The cache key is bound as
// additional data so a sealed value cannot be replayed into another slot.
type Sealer interface {
	Seal(key string, plaintext []byte) ([]byte, error)
	Open(key string, sealed []byte) ([]byte, error)
}

// GCMSealer seals values with AES-256-GCM. Format: [12-byte nonce][ciphertext+tag].
type GCMSealer struct {
	gcm cipher.AEAD
}

// NewSealer derives a sealing key from passphrase. The passphrase is
// NFKC-normalised, stretched with scrypt, then expanded with HKDF-SHA256.
func NewSealer(passphrase string) (*GCMSealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}

	rootKey, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), []byte(sealSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving root key: %w", err)
	}

	gcmKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootKey, nil, []byte(sealInfo)), gcmKey); err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}

	block, err := aes.NewCipher(gcmKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	subtle.ConstantTimeCopy(1, rootKey, make([]byte, len(rootKey)))
	subtle.ConstantTimeCopy(1, gcmKey, make([]byte, len(gcmKey)))

	return &GCMSealer{gcm: gcm}, nil
}

// Seal encrypts plaintext with a random nonce.
func (s *GCMSealer) Seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.gcm.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

// Open decrypts a value produced by Seal for the same key.
func (s *GCMSealer) Open(key string, sealed []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(sealed) < nonceSize+s.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(sealed))
	}

	plaintext, err := s.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}
