// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaChaCipher is the optional post-authentication AEAD transform a
// mechanism may negotiate (spec §4.4's Cipher contract). It wraps each
// outbound message in a ChaCha20-Poly1305 seal and unseals each inbound
// one, using a monotonically increasing per-direction counter as the
// nonce so replays and reordering are both detected by authentication
// failure. Installed by DBUS_COOKIE_SHA1 when its NegotiateCipher field is
// set (an option of that mechanism, not a distinct mechanism of its own —
// see mechanism_cookie.go). The option is not exchanged on the wire, so
// both ends must set it.
type ChaChaCipher struct {
	aead       interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
	sendCounter uint64
	recvCounter uint64
}

// NewChaChaCipher derives a 256-bit key from secret via SHA-256 (so callers
// can hand it a variable-length shared cookie rather than managing raw key
// material themselves) and returns a ready-to-use Cipher.
func NewChaChaCipher(secret []byte) (*ChaChaCipher, error) {
	key := sha256.Sum256(secret)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &ChaChaCipher{aead: aead}, nil
}

func (c *ChaChaCipher) Encode(dst *Buffer, src []byte) error {
	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.sendCounter)
	c.sendCounter++
	sealed := c.aead.Seal(nil, nonce, src, nil)
	return dst.AppendBytes(sealed)
}

func (c *ChaChaCipher) Decode(dst *Buffer, src []byte) error {
	if len(src) < c.aead.Overhead() {
		return errors.New("transport: ciphertext too short")
	}
	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.recvCounter)
	c.recvCounter++
	plain, err := c.aead.Open(nil, nonce, src, nil)
	if err != nil {
		return err
	}
	return dst.AppendBytes(plain)
}
