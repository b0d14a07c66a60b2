package media

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keySize = 32 // AES-256
	ivSize  = aes.BlockSize
)

// Secret is a per-upload AES-256-CBC key and IV. It must never be logged.
type Secret struct {
	Key []byte
	IV  []byte
}

func (s Secret) KeyBase64() string { return base64.StdEncoding.EncodeToString(s.Key) }
func (s Secret) IVBase64() string  { return base64.StdEncoding.EncodeToString(s.IV) }

// String hides the material from fmt and loggers.
func (s Secret) String() string { return "media.Secret{redacted}" }

// Encrypt pads plain with PKCS#7 and encrypts it with a fresh key and IV.
func Encrypt(plain []byte) ([]byte, Secret, error) {
	sec := Secret{Key: make([]byte, keySize), IV: make([]byte, ivSize)}
	if _, err := rand.Read(sec.Key); err != nil {
		return nil, Secret{}, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(sec.IV); err != nil {
		return nil, Secret{}, fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(sec.Key)
	if err != nil {
		return nil, Secret{}, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, sec.IV).CryptBlocks(out, padded)
	return out, sec, nil
}

var ErrBadCiphertext = errors.New("invalid ciphertext")

// Decrypt reverses Encrypt.
func Decrypt(ciphertext []byte, sec Secret) ([]byte, error) {
	if len(sec.Key) != keySize || len(sec.IV) != ivSize {
		return nil, fmt.Errorf("%w: bad key or iv size", ErrBadCiphertext)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadCiphertext, len(ciphertext))
	}
	block, err := aes.NewCipher(sec.Key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, sec.IV).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: padding", ErrBadCiphertext)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: padding", ErrBadCiphertext)
		}
	}
	return b[:len(b)-n], nil
}
