package oscore

import (
	"fmt"
	"sync"

	"github.com/backkem/coap/pkg/crypto"
)

const (
	// MaxSequence is the largest sender sequence number (2^40 - 1).
	MaxSequence = 1<<40 - 1

	// maxIDLength is nonce length - 6 for AES-CCM-16-64-128.
	maxIDLength = crypto.AESCCMNonceSize - 6

	// oscoreVersion is the first element of the AAD array.
	oscoreVersion = 1
)

// Config holds the pre-established input to a security context
// (RFC 8613 Section 3.2).
type Config struct {
	// MasterSecret is the shared secret. Required.
	MasterSecret []byte

	// MasterSalt is optional.
	MasterSalt []byte

	// SenderID identifies this endpoint; it is the kid of protected requests.
	SenderID []byte

	// RecipientID identifies the peer.
	RecipientID []byte

	// IDContext is an optional ID Context; when set it is sent as kid
	// context in requests.
	IDContext []byte

	// ReplayWindow is the replay window size. Default: 32
	ReplayWindow int

	// InitialSequence is the first sender sequence number, for contexts
	// restored with a known lower bound.
	InitialSequence uint64
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.MasterSecret) == 0 {
		return fmt.Errorf("%w: master secret required", ErrInvalidConfig)
	}
	if len(c.SenderID) > maxIDLength || len(c.RecipientID) > maxIDLength {
		return fmt.Errorf("%w: sender and recipient IDs are limited to %d bytes", ErrInvalidConfig, maxIDLength)
	}
	if string(c.SenderID) == string(c.RecipientID) {
		return fmt.Errorf("%w: sender and recipient IDs must differ", ErrInvalidConfig)
	}
	if c.InitialSequence > MaxSequence {
		return fmt.Errorf("%w: initial sequence beyond %d", ErrInvalidConfig, uint64(MaxSequence))
	}
	return nil
}

// Context is a derived OSCORE security context: the sender and recipient
// keys, the common IV, the sender sequence number and the replay window.
type Context struct {
	senderID    []byte
	recipientID []byte
	idContext   []byte

	senderAEAD    *crypto.AESCCM
	recipientAEAD *crypto.AESCCM
	commonIV      []byte

	lock      sync.Locker
	senderSeq uint64
	replay    *replayWindow
}

// NewContext derives a context from config. lock guards the sequence
// number and replay window; nil means a private mutex.
func NewContext(config Config, lock sync.Locker) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}

	senderKey, err := deriveKey(config, config.SenderID, "Key", crypto.AESCCMKeySize)
	if err != nil {
		return nil, err
	}
	recipientKey, err := deriveKey(config, config.RecipientID, "Key", crypto.AESCCMKeySize)
	if err != nil {
		return nil, err
	}
	commonIV, err := deriveKey(config, nil, "IV", crypto.AESCCMNonceSize)
	if err != nil {
		return nil, err
	}
	senderAEAD, err := crypto.NewAESCCM(senderKey)
	if err != nil {
		return nil, err
	}
	recipientAEAD, err := crypto.NewAESCCM(recipientKey)
	if err != nil {
		return nil, err
	}

	return &Context{
		senderID:      clone(config.SenderID),
		recipientID:   clone(config.RecipientID),
		idContext:     clone(config.IDContext),
		senderAEAD:    senderAEAD,
		recipientAEAD: recipientAEAD,
		commonIV:      commonIV,
		lock:          lock,
		senderSeq:     config.InitialSequence,
		replay:        newReplayWindow(config.ReplayWindow),
	}, nil
}

// deriveKey runs HKDF-SHA256 with the CBOR info structure
// [id, id_context, alg_aead, type, L].
func deriveKey(config Config, id []byte, typ string, length int) ([]byte, error) {
	info, err := kdfInfo(id, config.IDContext, typ, length)
	if err != nil {
		return nil, err
	}
	return crypto.HKDFSHA256(config.MasterSecret, config.MasterSalt, info, length)
}

// SenderID returns the sender ID.
func (c *Context) SenderID() []byte { return clone(c.senderID) }

// RecipientID returns the recipient ID.
func (c *Context) RecipientID() []byte { return clone(c.recipientID) }

// SenderSequence returns the next sender sequence number.
func (c *Context) SenderSequence() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.senderSeq
}

// nextSequence reserves a sender sequence number.
func (c *Context) nextSequence() (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.senderSeq > MaxSequence {
		return 0, ErrContextExhausted
	}
	seq := c.senderSeq
	c.senderSeq++
	return seq, nil
}

func (c *Context) checkReplay(seq uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.replay.check(seq)
}

// acceptReplay records seq, failing if a concurrent message with the same
// sequence number was accepted first.
func (c *Context) acceptReplay(seq uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.replay.check(seq); err != nil {
		return err
	}
	c.replay.accept(seq)
	return nil
}

// nonce builds the AEAD nonce from the ID of the Partial IV's generator
// and the Partial IV (RFC 8613 Section 5.2).
func (c *Context) nonce(id, piv []byte) []byte {
	n := make([]byte, crypto.AESCCMNonceSize)
	n[0] = byte(len(id))
	copy(n[1+maxIDLength-len(id):], id)
	copy(n[crypto.AESCCMNonceSize-len(piv):], piv)
	for i := range n {
		n[i] ^= c.commonIV[i]
	}
	return n
}

// encodePIV returns the minimal big-endian form of seq (at least one byte).
func encodePIV(seq uint64) []byte {
	var b []byte
	for v := seq; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return b
}

func decodePIV(piv []byte) uint64 {
	var v uint64
	for _, x := range piv {
		v = v<<8 | uint64(x)
	}
	return v
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
