package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrCiphertextShort  = errors.New("ciphertext too short")
)

// NewAEAD builds the AES-256-GCM cipher used for frames and the message log.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and prefixes the random nonce.
func Seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func Open(aead cipher.AEAD, blob []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(blob) < ns+aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	return aead.Open(nil, blob[:ns], blob[ns:], nil)
}

func EncryptAESGCM(key, plaintext []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return Seal(aead, plaintext)
}

func DecryptAESGCM(key, blob []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return Open(aead, blob)
}

// DeriveKey expands the master key into a purpose-bound subkey.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte(purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReadMasterKey reads the hex master key from MASTER_KEY_HEX, falling back to path.
func ReadMasterKey(path string) ([]byte, error) {
	h := os.Getenv("MASTER_KEY_HEX")
	if h == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("MASTER_KEY_HEX not set and %s not readable: %w", path, err)
		}
		h = string(data)
	}
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("master key hex decode error: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("master key length must be %d bytes: %w", KeySize, ErrInvalidKeyLength)
	}
	return b, nil
}
