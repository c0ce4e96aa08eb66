// Package security provides the optional symmetric cipher applied to frame
// payloads on stream-framed connections.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/juju/errors"
)

// Cipher transforms frame payloads in both directions.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// AESCipher is AES in CBC mode with PKCS#7 padding and a fixed key and IV
// agreed out of band by both ends.
type AESCipher struct {
	block cipher.Block
	iv    []byte
}

// NewAESCipher accepts 16, 24 or 32 byte keys and a 16 byte IV.
func NewAESCipher(key, iv []byte) (*AESCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Annotate(err, "creating aes cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.NotValidf("iv of %d bytes", len(iv))
	}
	return &AESCipher{block: block, iv: append([]byte(nil), iv...)}, nil
}

func (c *AESCipher) Encrypt(plain []byte) ([]byte, error) {
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	data := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(data, data)
	return data, nil
}

func (c *AESCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.NotValidf("ciphertext of %d bytes", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, data)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.NotValidf("padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.NotValidf("padding")
		}
	}
	return out[:len(out)-pad], nil
}
