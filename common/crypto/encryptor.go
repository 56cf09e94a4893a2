// Package crypto wraps codec output in authenticated encryption with a
// per-run derived key. Ciphertext produced for one run cannot be opened
// under another run's id: the derivation info string binds the key to the
// run, and AES-GCM authentication rejects everything else.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Tag prefixes an encrypted payload.
	Tag = "encr"

	nonceSize = 12
	keySize   = 32
)

var (
	// ErrAuthFailed indicates decryption failed: wrong run id, wrong key
	// material, or tampered ciphertext.
	ErrAuthFailed = errors.New("crypto: authentication failed")
	// ErrMalformed indicates a payload too short to contain the tag,
	// nonce, and auth tag.
	ErrMalformed = errors.New("crypto: malformed encrypted payload")
)

// Encryptor encrypts and decrypts run-scoped payloads. A nil *Encryptor is
// valid everywhere and means the pipeline runs in plaintext.
type Encryptor struct {
	baseKey   []byte
	projectID string
}

// KeyMaterial describes the key a run's data is encrypted under.
type KeyMaterial struct {
	Key               []byte
	DerivationContext string
	Algorithm         string
	KDF               string
}

// New creates an encryptor from deployment-scoped key material. The base key
// must be 32 bytes of high-entropy material.
func New(baseKey []byte, projectID string) (*Encryptor, error) {
	if len(baseKey) != keySize {
		return nil, fmt.Errorf("crypto: base key must be %d bytes, got %d", keySize, len(baseKey))
	}
	key := make([]byte, keySize)
	copy(key, baseKey)
	return &Encryptor{baseKey: key, projectID: projectID}, nil
}

// Material returns the derived key for a run, or nil when the receiver is
// nil (plaintext pipeline).
func (e *Encryptor) Material(runID string) (*KeyMaterial, error) {
	if e == nil {
		return nil, nil
	}
	key, info, err := e.deriveKey(runID)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		Key:               key,
		DerivationContext: info,
		Algorithm:         "AES-256-GCM",
		KDF:               "HKDF-SHA256",
	}, nil
}

// Encrypt seals an already-framed codec payload under the run's derived key.
// Wire format: "encr" | nonce(12) | ciphertext+tag(16).
func (e *Encryptor) Encrypt(plaintext []byte, runID string) ([]byte, error) {
	if e == nil {
		return plaintext, nil
	}
	aead, err := e.aeadFor(runID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	out := make([]byte, 0, len(Tag)+nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, Tag...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens an encrypted payload. Payloads without the "encr" prefix
// pass through untouched, which supports mixed encrypted/plaintext history.
func (e *Encryptor) Decrypt(data []byte, runID string) ([]byte, error) {
	if len(data) < len(Tag) || string(data[:len(Tag)]) != Tag {
		return data, nil
	}
	if e == nil {
		return nil, fmt.Errorf("crypto: encrypted payload but no encryptor configured: %w", ErrAuthFailed)
	}
	body := data[len(Tag):]
	if len(body) < nonceSize+16 {
		return nil, ErrMalformed
	}

	aead, err := e.aeadFor(runID)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := body[:nonceSize], body[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *Encryptor) aeadFor(runID string) (cipher.AEAD, error) {
	key, _, err := e.deriveKey(runID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

// deriveKey computes HKDF-SHA256(baseKey, salt=zeros, info="projectID|runID").
// The base key is already high-entropy, so the zero salt is fine.
func (e *Encryptor) deriveKey(runID string) ([]byte, string, error) {
	info := e.projectID + "|" + runID
	r := hkdf.New(sha256.New, e.baseKey, make([]byte, sha256.Size), []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, "", fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, info, nil
}
