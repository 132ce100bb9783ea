package block

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/pion/logging"
)

// Default transfer parameters.
const (
	// DefaultSZX is 1024-byte blocks.
	DefaultSZX uint8 = 6

	// DefaultMaxPayloadSize bounds reassembled bodies.
	DefaultMaxPayloadSize = 64 * 1024

	// DefaultLifetime bounds how long an idle server transfer is kept
	// (EXCHANGE_LIFETIME, RFC 7252 Section 4.8.2).
	DefaultLifetime = 247 * time.Second
)

// ManagerConfig configures a block Manager.
type ManagerConfig struct {
	// Enabled turns block-wise transfer on. When false, oversized bodies
	// fail with ErrPayloadTooLarge and Block options pass through.
	Enabled bool

	// SZX is the preferred size exponent for outbound bodies.
	SZX uint8

	// MaxMessagePayload is the largest body sent in a single message when
	// block-wise is disabled. Zero means message.MaxUDPMessageSize minus
	// a header allowance.
	MaxMessagePayload int

	// MaxPayloadSize bounds reassembled inbound bodies.
	MaxPayloadSize int

	// Lifetime expires idle server-side transfers.
	Lifetime time.Duration

	// Scheduler drives transfer expiry. Required.
	Scheduler sched.Scheduler

	// Locker guards the transfer table. Defaults to a mutex.
	Locker sync.Locker

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

func (c *ManagerConfig) applyDefaults() {
	if c.SZX > message.MaxSZX {
		c.SZX = DefaultSZX
	}
	if c.MaxMessagePayload == 0 {
		c.MaxMessagePayload = message.MaxUDPMessageSize - 128
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Lifetime == 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.Locker == nil {
		c.Locker = &sync.Mutex{}
	}
}

type transfer struct {
	key      string
	receiver *Receiver
	sender   *Sender
	response *message.Message
	timer    *sched.Timer
}

// Manager holds server-side block transfers between requests.
// Request bodies (Block1) are keyed by peer, method and resource; response
// bodies (Block2) are keyed by peer and resource. Every transfer expires
// after Lifetime of inactivity, so no block context outlives the
// exchanges it serves.
type Manager struct {
	config ManagerConfig
	log    logging.LeveledLogger

	requests  map[string]*transfer
	responses map[string]*transfer
}

// NewManager creates a block Manager.
func NewManager(config ManagerConfig) *Manager {
	config.applyDefaults()
	m := &Manager{
		config:    config,
		requests:  make(map[string]*transfer),
		responses: make(map[string]*transfer),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("coap-block")
	}
	return m
}

// Enabled reports whether block-wise transfer is active.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// SZX returns the preferred size exponent.
func (m *Manager) SZX() uint8 {
	return m.config.SZX
}

// MaxPayloadSize returns the reassembly limit.
func (m *Manager) MaxPayloadSize() int {
	return m.config.MaxPayloadSize
}

// CheckSend validates an outbound body against the single-message limit
// when block-wise is disabled.
func (m *Manager) CheckSend(payload []byte) error {
	if m.config.Enabled {
		if len(payload) > m.config.MaxPayloadSize {
			return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), m.config.MaxPayloadSize)
		}
		return nil
	}
	if len(payload) > m.config.MaxMessagePayload {
		return fmt.Errorf("%w: %d bytes exceeds single message limit %d", ErrPayloadTooLarge, len(payload), m.config.MaxMessagePayload)
	}
	return nil
}

// Block1Result describes the outcome of one inbound request block.
type Block1Result struct {
	// Complete is set when the final block arrived; Payload then holds
	// the full body.
	Complete bool
	Payload  []byte

	// Ack is the Block1 value to echo in the 2.31 Continue (or final)
	// response.
	Ack message.BlockOption
}

// ReceiveRequestBlock accumulates a Block1 request body from peer.
// Errors abort and discard the transfer.
func (m *Manager) ReceiveRequestBlock(peer string, req *message.Message, opt message.BlockOption) (Block1Result, error) {
	key := requestKey(peer, req)

	m.config.Locker.Lock()
	t, ok := m.requests[key]
	if !ok {
		t = m.newTransfer(key)
		t.receiver = NewReceiver(m.config.MaxPayloadSize)
		m.requests[key] = t
	}
	complete, err := t.receiver.Add(opt, req.Payload)
	if err != nil || complete {
		delete(m.requests, key)
	}
	var payload []byte
	if complete {
		payload = t.receiver.Payload()
	}
	m.config.Locker.Unlock()

	if err != nil {
		t.timer.Stop()
		if m.log != nil {
			m.log.Debugf("block1 transfer %q aborted: %v", key, err)
		}
		return Block1Result{}, err
	}

	ack := message.BlockOption{Num: opt.Num, More: opt.More, SZX: opt.SZX}
	if opt.SZX > m.config.SZX {
		ack.SZX = m.config.SZX
	}
	if complete {
		t.timer.Stop()
		return Block1Result{Complete: true, Payload: payload, Ack: ack}, nil
	}
	m.arm(m.requests, t)
	return Block1Result{Ack: ack}, nil
}

// StartResponse stores resp for block-wise delivery to peer when its body
// exceeds the negotiated block size, returning the message carrying block 0.
// The request's Block2 option, if any, lowers the block size.
// Responses that fit a single block are returned unchanged.
func (m *Manager) StartResponse(peer string, req, resp *message.Message) (*message.Message, error) {
	szx := m.config.SZX
	if opt, ok, err := req.Block(message.Block2); err == nil && ok && opt.SZX < szx {
		szx = opt.SZX
	}
	if !NeedsBlockwise(resp.Payload, szx) {
		return resp, nil
	}
	if len(resp.Payload) > m.config.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(resp.Payload), m.config.MaxPayloadSize)
	}

	t := m.newTransfer(responseKey(peer, req))
	t.sender = NewSender(resp.Payload, szx)
	t.response = resp

	m.config.Locker.Lock()
	old := m.responses[t.key]
	m.responses[t.key] = t
	m.config.Locker.Unlock()

	if old != nil {
		old.timer.Stop()
	}
	m.arm(m.responses, t)

	if m.log != nil {
		m.log.Debugf("block2 transfer %q started: %d bytes in %d blocks", t.key, t.sender.Total(), t.sender.Count())
	}
	return blockResponse(t, 0)
}

// ServeResponseBlock answers a Block2 continuation request. Block N may be
// requested only after block N-1 was served; other numbers fail with
// ErrIncompleteBlockSequence. Returns ErrTransferNotFound when no stored
// response exists.
func (m *Manager) ServeResponseBlock(peer string, req *message.Message, opt message.BlockOption) (*message.Message, error) {
	key := responseKey(peer, req)

	m.config.Locker.Lock()
	t, ok := m.responses[key]
	if !ok {
		m.config.Locker.Unlock()
		return nil, ErrTransferNotFound
	}
	out, err := m.serveLocked(t, opt)
	more := err == nil && !lastBlock(out)
	if !more {
		delete(m.responses, key)
	}
	m.config.Locker.Unlock()

	if more {
		m.arm(m.responses, t)
	} else {
		t.timer.Stop()
	}
	return out, err
}

func (m *Manager) serveLocked(t *transfer, opt message.BlockOption) (*message.Message, error) {
	if err := t.sender.Seek(opt); err != nil {
		return nil, err
	}
	return blockResponse(t, t.sender.Num())
}

func lastBlock(out *message.Message) bool {
	b, _, _ := out.Block(message.Block2)
	return !b.More
}

// Cancel discards every transfer with peer.
func (m *Manager) Cancel(peer string) {
	prefix := peer + "|"

	m.config.Locker.Lock()
	var dropped []*transfer
	for _, table := range []map[string]*transfer{m.requests, m.responses} {
		for key, t := range table {
			if strings.HasPrefix(key, prefix) {
				delete(table, key)
				dropped = append(dropped, t)
			}
		}
	}
	m.config.Locker.Unlock()

	for _, t := range dropped {
		t.timer.Stop()
	}
}

// Count returns the number of live transfers.
func (m *Manager) Count() int {
	m.config.Locker.Lock()
	defer m.config.Locker.Unlock()
	return len(m.requests) + len(m.responses)
}

// Close discards every transfer.
func (m *Manager) Close() {
	m.config.Locker.Lock()
	var dropped []*transfer
	for key, t := range m.requests {
		delete(m.requests, key)
		dropped = append(dropped, t)
	}
	for key, t := range m.responses {
		delete(m.responses, key)
		dropped = append(dropped, t)
	}
	m.config.Locker.Unlock()

	for _, t := range dropped {
		t.timer.Stop()
	}
}

// IsBlockError reports whether err is a block transfer failure.
func IsBlockError(err error) bool {
	return errors.Is(err, ErrUnexpectedBlockNumber) ||
		errors.Is(err, ErrIncompleteBlockSequence) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrTransferNotFound)
}

// ErrorCode maps a block error to the response code sent to the peer.
func ErrorCode(err error) message.Code {
	if errors.Is(err, ErrPayloadTooLarge) {
		return message.RequestEntityTooLarge
	}
	return message.RequestEntityIncomplete
}

func (m *Manager) newTransfer(key string) *transfer {
	return &transfer{key: key, timer: sched.NewTimer(m.config.Scheduler)}
}

// arm restarts the inactivity expiry of t.
func (m *Manager) arm(table map[string]*transfer, t *transfer) {
	t.timer.Reset(m.config.Lifetime, func() {
		m.config.Locker.Lock()
		live := table[t.key] == t
		if live {
			delete(table, t.key)
		}
		m.config.Locker.Unlock()

		if live && m.log != nil {
			m.log.Debugf("block transfer %q expired", t.key)
		}
	})
}

func blockResponse(t *transfer, num uint32) (*message.Message, error) {
	opt, chunk, err := t.sender.Block(num)
	if err != nil {
		return nil, err
	}
	out := t.response.Clone()
	out.Payload = append([]byte(nil), chunk...)
	if err := out.SetBlock(message.Block2, opt); err != nil {
		return nil, err
	}
	if num == 0 {
		out.Options = out.Options.SetUint(message.Size2, uint32(t.sender.Total()))
	}
	return out, nil
}

func requestKey(peer string, req *message.Message) string {
	return fmt.Sprintf("%s|%s|%s|%v", peer, req.Code, req.Path(), req.Options.Queries())
}

func responseKey(peer string, req *message.Message) string {
	return fmt.Sprintf("%s|%s|%v", peer, req.Path(), req.Options.Queries())
}
