package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AES-CCM-16-64-128 parameters (COSE algorithm 10, RFC 9053 Section 4.2),
// the mandatory OSCORE AEAD.
const (
	// AESCCMKeySize is the AES-128 key size in bytes.
	AESCCMKeySize = 16

	// AESCCMTagSize is the 64-bit authentication tag size in bytes.
	AESCCMTagSize = 8

	// AESCCMNonceSize is the nonce size in bytes (L = 2).
	AESCCMNonceSize = 13

	// COSEAlgAESCCM16_64_128 is the COSE algorithm identifier.
	COSEAlgAESCCM16_64_128 = 10

	aesBlockSize = 16
)

var (
	ErrAESCCMInvalidKeySize     = errors.New("aesccm: invalid key size, must be 16 bytes")
	ErrAESCCMInvalidNonceSize   = errors.New("aesccm: invalid nonce size")
	ErrAESCCMInvalidTagSize     = errors.New("aesccm: invalid tag size, must be 4, 6, 8, 10, 12, 14, or 16")
	ErrAESCCMPlaintextTooLong   = errors.New("aesccm: plaintext too long")
	ErrAESCCMCiphertextTooShort = errors.New("aesccm: ciphertext too short")
	ErrAESCCMAuthFailed         = errors.New("aesccm: message authentication failed")
)

// AESCCM is AES-128 in CCM mode (NIST 800-38C, RFC 3610) with a
// configurable tag and nonce size. It implements cipher.AEAD; Open
// returns ErrAESCCMAuthFailed on a tag mismatch.
type AESCCM struct {
	block   cipher.Block
	tagSize int // M
	lenSize int // L = 15 - nonce size
}

var _ cipher.AEAD = (*AESCCM)(nil)

// NewAESCCM returns AES-CCM-16-64-128: 13-byte nonce, 8-byte tag.
func NewAESCCM(key []byte) (*AESCCM, error) {
	return NewAESCCMWithParams(key, AESCCMNonceSize, AESCCMTagSize)
}

// NewAESCCMWithParams returns AES-128-CCM with nonceSize in 7..13 and an
// even tagSize in 4..16.
func NewAESCCMWithParams(key []byte, nonceSize, tagSize int) (*AESCCM, error) {
	if len(key) != AESCCMKeySize {
		return nil, ErrAESCCMInvalidKeySize
	}
	lenSize := 15 - nonceSize
	if lenSize < 2 || lenSize > 8 {
		return nil, ErrAESCCMInvalidNonceSize
	}
	if tagSize < 4 || tagSize > 16 || tagSize%2 != 0 {
		return nil, ErrAESCCMInvalidTagSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AESCCM{block: block, tagSize: tagSize, lenSize: lenSize}, nil
}

// NonceSize returns the nonce length in bytes.
func (c *AESCCM) NonceSize() int {
	return 15 - c.lenSize
}

// Overhead returns the tag length in bytes.
func (c *AESCCM) Overhead() int {
	return c.tagSize
}

func (c *AESCCM) maxLength() uint64 {
	if c.lenSize >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*c.lenSize) - 1
}

// Seal appends the encryption of plaintext, followed by the tag, to dst.
// It panics on a wrong nonce length or an oversized plaintext, as
// cipher.AEAD implementations do; use Encrypt for error returns.
func (c *AESCCM) Seal(dst, nonce, plaintext, aad []byte) []byte {
	out, err := c.seal(dst, nonce, plaintext, aad)
	if err != nil {
		panic(err)
	}
	return out
}

// Encrypt returns ciphertext || tag.
func (c *AESCCM) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	return c.seal(nil, nonce, plaintext, aad)
}

func (c *AESCCM) seal(dst, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrAESCCMInvalidNonceSize
	}
	if uint64(len(plaintext)) > c.maxLength() {
		return nil, ErrAESCCMPlaintextTooLong
	}

	tag := c.mac(nonce, plaintext, aad)
	s0 := c.keystreamBlock(nonce, 0)

	ret, out := sliceForAppend(dst, len(plaintext)+c.tagSize)
	c.ctr(nonce, out[:len(plaintext)], plaintext)
	subtle.XORBytes(out[len(plaintext):], tag, s0[:c.tagSize])
	return ret, nil
}

// Open authenticates and decrypts ciphertext (with its trailing tag) and
// appends the plaintext to dst.
func (c *AESCCM) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrAESCCMInvalidNonceSize
	}
	if len(ciphertext) < c.tagSize {
		return nil, ErrAESCCMCiphertextTooShort
	}
	body := ciphertext[:len(ciphertext)-c.tagSize]
	if uint64(len(body)) > c.maxLength() {
		return nil, ErrAESCCMPlaintextTooLong
	}

	s0 := c.keystreamBlock(nonce, 0)
	received := make([]byte, c.tagSize)
	subtle.XORBytes(received, ciphertext[len(body):], s0[:c.tagSize])

	plaintext := make([]byte, len(body))
	c.ctr(nonce, plaintext, body)

	if subtle.ConstantTimeCompare(received, c.mac(nonce, plaintext, aad)) != 1 {
		return nil, ErrAESCCMAuthFailed
	}
	ret, out := sliceForAppend(dst, len(plaintext))
	copy(out, plaintext)
	return ret, nil
}

// Decrypt authenticates and decrypts ciphertext || tag.
func (c *AESCCM) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	return c.Open(nil, nonce, ciphertext, aad)
}

// mac computes the CBC-MAC tag T over B_0, the encoded AAD and the
// plaintext (RFC 3610 Section 2.2).
func (c *AESCCM) mac(nonce, plaintext, aad []byte) []byte {
	var b0 [aesBlockSize]byte
	b0[0] = byte((c.tagSize-2)/2)<<3 | byte(c.lenSize-1)
	if len(aad) > 0 {
		b0[0] |= 1 << 6
	}
	copy(b0[1:], nonce)
	n := uint64(len(plaintext))
	for i := aesBlockSize - 1; i > c.NonceSize(); i-- {
		b0[i] = byte(n)
		n >>= 8
	}

	x := make([]byte, aesBlockSize)
	c.block.Encrypt(x, b0[:])

	if len(aad) > 0 {
		c.cbc(x, append(encodeAADLength(len(aad)), aad...))
	}
	c.cbc(x, plaintext)
	return x[:c.tagSize]
}

// cbc folds data, zero-padded to whole blocks, into the running MAC x.
func (c *AESCCM) cbc(x, data []byte) {
	for len(data) > 0 {
		n := subtle.XORBytes(x, x, data)
		data = data[n:]
		c.block.Encrypt(x, x)
	}
}

// encodeAADLength returns the length prefix of the associated data.
func encodeAADLength(n int) []byte {
	switch {
	case n < 1<<16-1<<8:
		return binary.BigEndian.AppendUint16(nil, uint16(n))
	case uint64(n) < 1<<32:
		return binary.BigEndian.AppendUint32([]byte{0xFF, 0xFE}, uint32(n))
	default:
		return binary.BigEndian.AppendUint64([]byte{0xFF, 0xFF}, uint64(n))
	}
}

// keystreamBlock returns S_i = E(K, A_i).
func (c *AESCCM) keystreamBlock(nonce []byte, i uint64) []byte {
	var a [aesBlockSize]byte
	a[0] = byte(c.lenSize - 1)
	copy(a[1:], nonce)
	for j := aesBlockSize - 1; j > c.NonceSize(); j-- {
		a[j] = byte(i)
		i >>= 8
	}
	s := make([]byte, aesBlockSize)
	c.block.Encrypt(s, a[:])
	return s
}

// ctr encrypts src into dst with S_1, S_2, ...
func (c *AESCCM) ctr(nonce, dst, src []byte) {
	for i := uint64(1); len(src) > 0; i++ {
		n := subtle.XORBytes(dst, src, c.keystreamBlock(nonce, i))
		dst, src = dst[n:], src[n:]
	}
}

// sliceForAppend extends in by n bytes, reusing capacity when possible.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
