package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// RFC 3610 Section 8 packet vectors. Vectors 1 and 2 use M=8, L=2, the
// AES-CCM-16-64-128 parameters; vector 7 uses a 10-byte tag.
var rfc3610Vectors = []struct {
	name       string
	key        string
	nonce      string
	aad        string
	plaintext  string
	ciphertext string // without tag
	tag        string
	tagSize    int
}{
	{
		name:       "Vector1",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000003020100a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384",
		tag:        "17e8d12cfdf926e0",
		tagSize:    8,
	},
	{
		name:       "Vector2",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000004030201a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		ciphertext: "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3b",
		tag:        "a091d56e10400916",
		tagSize:    8,
	},
	{
		name:       "Vector7",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000009080706a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "0135d1b2c95f41d5d1d4fec185d166b8094e999dfed96c",
		tag:        "048c56602c97acbb7490",
		tagSize:    10,
	},
}

func TestAESCCMRFC3610Vectors(t *testing.T) {
	for _, tc := range rfc3610Vectors {
		t.Run(tc.name, func(t *testing.T) {
			ccm, err := NewAESCCMWithParams(unhex(t, tc.key), 13, tc.tagSize)
			if err != nil {
				t.Fatalf("NewAESCCMWithParams() error = %v", err)
			}
			nonce, aad, pt := unhex(t, tc.nonce), unhex(t, tc.aad), unhex(t, tc.plaintext)
			want := append(unhex(t, tc.ciphertext), unhex(t, tc.tag)...)

			got, err := ccm.Encrypt(nonce, pt, aad)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Encrypt() = %x, want %x", got, want)
			}

			back, err := ccm.Decrypt(nonce, want, aad)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(back, pt) {
				t.Errorf("Decrypt() = %x, want %x", back, pt)
			}
		})
	}
}

func TestAESCCMDefaults(t *testing.T) {
	ccm, err := NewAESCCM(make([]byte, AESCCMKeySize))
	if err != nil {
		t.Fatalf("NewAESCCM() error = %v", err)
	}
	if ccm.NonceSize() != 13 || ccm.Overhead() != 8 {
		t.Errorf("NonceSize() = %d, Overhead() = %d, want 13, 8", ccm.NonceSize(), ccm.Overhead())
	}
}

func TestAESCCMAEADInterface(t *testing.T) {
	ccm, _ := NewAESCCM(unhex(t, "0102030405060708090a0b0c0d0e0f10"))
	nonce := make([]byte, 13)
	prefix := []byte("hdr")

	sealed := ccm.Seal(append([]byte(nil), prefix...), nonce, []byte("payload"), []byte("aad"))
	if !bytes.HasPrefix(sealed, prefix) {
		t.Fatalf("Seal() dropped dst prefix: %x", sealed)
	}
	if len(sealed) != len(prefix)+len("payload")+8 {
		t.Errorf("Seal() length = %d", len(sealed))
	}

	opened, err := ccm.Open([]byte("x"), nonce, sealed[len(prefix):], []byte("aad"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != "xpayload" {
		t.Errorf("Open() = %q, want %q", opened, "xpayload")
	}

	defer func() {
		if recover() == nil {
			t.Error("Seal() with a short nonce did not panic")
		}
	}()
	ccm.Seal(nil, nonce[:12], nil, nil)
}

func TestAESCCMRoundtrip(t *testing.T) {
	ccm, _ := NewAESCCM(unhex(t, "f0910ed7295e6ad4b54fc793154302ff"))
	nonce := unhex(t, "4622d4dd6d944168eefb549868")

	for _, size := range []int{0, 1, 15, 16, 17, 64, 1024} {
		for _, aad := range [][]byte{nil, bytes.Repeat([]byte{0xAA}, 14), bytes.Repeat([]byte{0xBB}, 300)} {
			pt := bytes.Repeat([]byte{byte(size)}, size)
			ct, err := ccm.Encrypt(nonce, pt, aad)
			if err != nil {
				t.Fatalf("Encrypt(%d) error = %v", size, err)
			}
			got, err := ccm.Decrypt(nonce, ct, aad)
			if err != nil {
				t.Fatalf("Decrypt(%d, aad %d) error = %v", size, len(aad), err)
			}
			if !bytes.Equal(got, pt) {
				t.Errorf("roundtrip(%d, aad %d) mismatch", size, len(aad))
			}
		}
	}
}

func TestAESCCMAuthenticationFailure(t *testing.T) {
	ccm, _ := NewAESCCM(make([]byte, 16))
	nonce := make([]byte, 13)
	ct, _ := ccm.Encrypt(nonce, []byte("temperature=21"), []byte("aad"))

	tests := []struct {
		name   string
		mutate func(ct, nonce, aad []byte) ([]byte, []byte, []byte)
	}{
		{"ciphertext", func(c, n, a []byte) ([]byte, []byte, []byte) { c[0] ^= 1; return c, n, a }},
		{"tag", func(c, n, a []byte) ([]byte, []byte, []byte) { c[len(c)-1] ^= 1; return c, n, a }},
		{"nonce", func(c, n, a []byte) ([]byte, []byte, []byte) { n[12] ^= 1; return c, n, a }},
		{"aad", func(c, n, a []byte) ([]byte, []byte, []byte) { return c, n, []byte("aae") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, n, a := tt.mutate(append([]byte(nil), ct...), append([]byte(nil), nonce...), []byte("aad"))
			if _, err := ccm.Decrypt(n, c, a); !errors.Is(err, ErrAESCCMAuthFailed) {
				t.Errorf("Decrypt() error = %v, want ErrAESCCMAuthFailed", err)
			}
		})
	}
}

func TestAESCCMInvalidParams(t *testing.T) {
	key := make([]byte, 16)
	tests := []struct {
		name  string
		key   []byte
		nonce int
		tag   int
		want  error
	}{
		{"short key", key[:15], 13, 8, ErrAESCCMInvalidKeySize},
		{"nonce too long", key, 14, 8, ErrAESCCMInvalidNonceSize},
		{"nonce too short", key, 6, 8, ErrAESCCMInvalidNonceSize},
		{"odd tag", key, 13, 7, ErrAESCCMInvalidTagSize},
		{"tag too long", key, 13, 18, ErrAESCCMInvalidTagSize},
	}
	for _, tt := range tests {
		if _, err := NewAESCCMWithParams(tt.key, tt.nonce, tt.tag); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}

	ccm, _ := NewAESCCM(key)
	if _, err := ccm.Encrypt(make([]byte, 12), nil, nil); !errors.Is(err, ErrAESCCMInvalidNonceSize) {
		t.Errorf("Encrypt(short nonce) error = %v", err)
	}
	if _, err := ccm.Decrypt(make([]byte, 13), make([]byte, 7), nil); !errors.Is(err, ErrAESCCMCiphertextTooShort) {
		t.Errorf("Decrypt(short) error = %v", err)
	}
}
