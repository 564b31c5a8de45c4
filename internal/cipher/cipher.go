// Package cipher implements at-rest encryption for session and mapping
// auth tokens: AES-256-GCM with a key derived per-record via scrypt,
// serialized as salt_hex:iv_hex:tag_hex:ciphertext_hex.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/mastra-agents/chatgateway/internal/apperr"
)

const (
	saltLen = 16
	ivLen   = 16
	keyLen  = 32
)

// ErrDecrypt is returned (wrapped) whenever a blob fails to decrypt, whether
// due to corruption, tampering, or a changed secret. Callers must treat this
// as "needs re-pairing", never as fatal.
var ErrDecrypt = errors.New("cipher: decrypt failed")

func deriveKey(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, 1<<15, 8, 1, keyLen)
}

// Encrypt encrypts plaintext under secret, returning the serialized blob
// described in the package doc. A fresh random salt and IV are generated
// per call.
func Encrypt(plaintext, secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cipher: generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cipher: generate iv: %w", err)
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", fmt.Errorf("cipher: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cipher: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("cipher: new gcm: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it back out below so
	// the serialized format is salt:iv:tag:ciphertext rather than GCM's
	// own ciphertext||tag convention.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt decrypts a blob produced by Encrypt. It returns an *apperr.Error
// of KindDecrypt (wrapping ErrDecrypt, still matched by errors.Is) for any
// malformed blob, MAC failure, or key mismatch. Never panics, and callers
// must not treat this as fatal: a decrypt failure marks the record
// "needs re-pairing" rather than aborting the caller.
func Decrypt(blob, secret string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 4 {
		return "", decryptErr("malformed blob", nil)
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", decryptErr("bad salt", err)
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", decryptErr("bad iv", err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", decryptErr("bad tag", err)
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", decryptErr("bad ciphertext", err)
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", decryptErr("derive key", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", decryptErr("new aes cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", decryptErr("new gcm", err)
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", decryptErr("mac or padding", err)
	}
	return string(plaintext), nil
}

// decryptErr builds the apperr.KindDecrypt error every Decrypt failure
// returns, wrapping ErrDecrypt so existing errors.Is(err, ErrDecrypt)
// checks keep working through apperr.Error's Unwrap.
func decryptErr(reason string, cause error) error {
	wrapped := fmt.Errorf("%w: %s", ErrDecrypt, reason)
	if cause != nil {
		wrapped = fmt.Errorf("%w: %s: %v", ErrDecrypt, reason, cause)
	}
	return apperr.Decrypt("cipher: decrypt", wrapped)
}
