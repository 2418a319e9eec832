package messenger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ============================================================================
// Message Encryption
// ============================================================================

// Messages are encrypted client side before they reach the backend, which
// stores ciphertext opaquely. Each user has a key derived from their user ID,
// so any client that knows the sender's ID can decrypt their messages.
//
// Wire format: "ENC:" + base64(nonce || AES-256-GCM ciphertext). The nonce is
// derived from the plaintext with HMAC, so encrypting the same plaintext with
// the same key always yields the same wire string.

const (
	encPrefix = "ENC:"

	keyIterations = 10000
	keyLen        = 32

	saltSeed = "portfolio-messages-app-2024"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// DeriveKey derives the per-user AES-256 key for userID. The derivation is
// deterministic, so every client derives the same key for the same user.
func DeriveKey(userID string) []byte {
	salt := sha256.Sum256([]byte(saltSeed + userID))
	return pbkdf2.Key([]byte(userID), salt[:], keyIterations, keyLen, sha256.New)
}

// Encrypt encrypts plaintext under the given key and returns the wire string.
// Encryption is deterministic: equal inputs produce equal outputs. Empty
// input and input already carrying the wire prefix pass through unchanged.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, encPrefix) {
		return plaintext, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(plaintext))
	nonce := mac.Sum(nil)[:gcm.NonceSize()]

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the input lacks the "ENC:" prefix,
// is not valid base64, or does not authenticate under the key.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(encPrefix):])
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// SafeDecrypt decrypts when it can and otherwise returns the input unchanged.
// Conversation history predating encryption, and messages from clients that
// never encrypted, pass through as-is.
func SafeDecrypt(content string, key []byte) string {
	if !strings.HasPrefix(content, encPrefix) {
		return content
	}
	plaintext, err := Decrypt(content, key)
	if err != nil {
		return content
	}
	return plaintext
}

// IsEncrypted reports whether content carries the encryption wire prefix.
func IsEncrypted(content string) bool {
	return strings.HasPrefix(content, encPrefix)
}
