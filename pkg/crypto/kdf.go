// Package crypto provides the primitives behind OSCORE (RFC 8613):
// AES-CCM-16-64-128 authenticated encryption and HKDF-SHA256 key
// derivation.
package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA256 derives length bytes with HKDF-SHA256 (RFC 5869).
// salt and info may be empty; an empty salt is HashLen zero bytes.
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	return readAll(hkdf.New(sha256.New, inputKey, salt, info), length)
}

// HKDFExtractSHA256 returns the 32-byte pseudorandom key for inputKey.
func HKDFExtractSHA256(inputKey, salt []byte) []byte {
	return hkdf.Extract(sha256.New, inputKey, salt)
}

// HKDFExpandSHA256 expands prk into length bytes of keying material.
// length may not exceed 255*32.
func HKDFExpandSHA256(prk, info []byte, length int) ([]byte, error) {
	return readAll(hkdf.Expand(sha256.New, prk, info), length)
}

func readAll(r io.Reader, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
