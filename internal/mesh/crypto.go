package mesh

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	cryptoKeyLen        = 32
	cryptoPBKDF2Rounds  = 4096
	cryptoPBKDF2SaltTag = "lanmesh-wire-v1"
)

// Cipher encrypts and decrypts wire payloads with AES-CBC and PKCS7
// padding. Ciphertext is carried as base64 text so encrypted payloads stay
// opaque strings on the wire.
type Cipher struct {
	key []byte
	iv  []byte
}

// NewCipher derives an AES-256 cipher from the configured key and IV.
// Keys shorter than 32 bytes are treated as passphrases and stretched
// with PBKDF2.
func NewCipher(cfg EncryptionConfig) (*Cipher, error) {
	if len(cfg.IV) != aes.BlockSize {
		return nil, fmt.Errorf("mesh: IV must be %d bytes, got %d", aes.BlockSize, len(cfg.IV))
	}

	key := []byte(cfg.Key)
	if len(key) != cryptoKeyLen {
		key = pbkdf2.Key(key, []byte(cryptoPBKDF2SaltTag), cryptoPBKDF2Rounds, cryptoKeyLen, sha256.New)
	}

	return &Cipher{key: key, iv: []byte(cfg.IV)}, nil
}

// Encrypt encrypts plaintext and returns base64 ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("mesh: cipher init: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decodes base64 ciphertext and returns the plaintext.
// Any malformed input yields ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("mesh: cipher init: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, raw)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return unpadded, nil
}

// pkcs7Pad appends PKCS7 padding up to the block size.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad strips and verifies PKCS7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}

	return data[:len(data)-n], nil
}
