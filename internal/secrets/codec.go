// Package secrets implements at-rest encryption for extracted row payloads
// and vaulted environment passwords.
//
// Two blob layouts exist and are not interchangeable:
//
//	password-derived: base64(salt[16] ‖ iv[12] ‖ ciphertext+tag)
//	pre-derived key:  base64(iv[12] ‖ ciphertext+tag)
//
// The first carries its own PBKDF2 salt so any process holding the password
// can decrypt it; the second relies on a key derived once at startup.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyIterations is the PBKDF2 iteration count. Lowering it breaks
	// decryption of existing blobs.
	KeyIterations = 100_000

	saltSize = 16
	ivSize   = 12
	keySize  = 32
)

// ErrDecrypt is returned for any blob that cannot be authenticated, including
// wrong-password attempts. GCM makes the two cases indistinguishable.
var ErrDecrypt = errors.New("payload decryption failed")

// DeriveKey stretches a password into an AES-256 key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, keySize, sha256.New)
}

// Encrypt seals plaintext under a key derived from password with a fresh
// salt and IV per call.
func Encrypt(plaintext []byte, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	buf := make([]byte, 0, saltSize+ivSize+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, iv...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens a blob produced by Encrypt. A wrong password yields
// ErrDecrypt, never corrupted plaintext.
func Decrypt(blob, password string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(data) < saltSize+ivSize+1 {
		return nil, ErrDecrypt
	}

	salt, rest := data[:saltSize], data[saltSize:]
	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	iv, ct := rest[:ivSize], rest[ivSize:]
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// EncryptWithKey seals plaintext under a pre-derived 32-byte key.
func EncryptWithKey(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	buf := make([]byte, 0, ivSize+len(ct))
	buf = append(buf, iv...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecryptWithKey opens a blob produced by EncryptWithKey.
func DecryptWithKey(blob string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(data) < ivSize+1 {
		return nil, ErrDecrypt
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, ct := data[:ivSize], data[ivSize:]
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("aes-gcm key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}
