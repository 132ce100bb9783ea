package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// tcpReadBufferSize bounds a single read from the connection. Frames may be
// larger; they are assembled from several reads.
const tcpReadBufferSize = 64 * 1024

// csmFrame is an empty Capabilities and Settings Message (7.01), the first
// frame each side sends on a new connection (RFC 8323 Section 5.3).
var csmFrame = []byte{0x00, byte(message.CSM)}

// TCP provides CoAP over TCP (RFC 8323).
// It wraps a net.Listener and manages persistent connections with peers.
// Each received frame is delivered whole to the MessageHandler; outbound
// data must already be framed (message.MarshalTCP).
type TCP struct {
	listener net.Listener
	handler  MessageHandler
	sendCSM  bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	// Connection tracking
	connsMu sync.RWMutex
	conns   map[string]*tcpConn // Key: remote address string

	mu      sync.RWMutex
	started bool
	closed  bool
}

// tcpConn wraps a TCP connection with framing support.
type tcpConn struct {
	conn       net.Conn
	reader     *message.StreamReader
	csmPending bool
	mu         sync.Mutex // Protects writes
}

func newTCPConn(conn net.Conn, sendCSM bool) *tcpConn {
	return &tcpConn{
		conn:       conn,
		reader:     message.NewStreamReader(bufio.NewReaderSize(conn, tcpReadBufferSize)),
		csmPending: sendCSM,
	}
}

// write sends data, preceded by the CSM if it has not gone out yet.
// An empty data only flushes the CSM.
func (tc *tcpConn) write(data []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.csmPending {
		if _, err := tc.conn.Write(csmFrame); err != nil {
			return err
		}
		tc.csmPending = false
	}
	if len(data) == 0 {
		return nil
	}
	_, err := tc.conn.Write(data)
	return err
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Listener is an optional pre-existing Listener to use.
	// If nil, a new listener will be created using ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Listener is provided.
	ListenAddr string

	// MessageHandler is called for each received frame.
	// Required.
	MessageHandler MessageHandler

	// SendCSM sends an empty CSM on every new connection.
	SendCSM bool

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewTCP creates a new TCP transport with the given configuration.
func NewTCP(config TCPConfig) (*TCP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	t := &TCP{
		listener: config.Listener,
		handler:  config.MessageHandler,
		sendCSM:  config.SendCSM,
		closeCh:  make(chan struct{}),
		conns:    make(map[string]*tcpConn),
	}

	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("transport-tcp")
	}

	if t.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0" // Use ephemeral port
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		t.listener = listener
	}

	return t, nil
}

// Start begins accepting connections and receiving messages.
func (t *TCP) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Infof("starting TCP transport on %s", t.listener.Addr())
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

// Stop closes all connections and the listener.
func (t *TCP) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("stopping TCP transport")
	}

	close(t.closeCh)
	t.listener.Close()

	t.connsMu.Lock()
	for _, tc := range t.conns {
		tc.conn.Close()
	}
	t.conns = make(map[string]*tcpConn)
	t.connsMu.Unlock()

	t.wg.Wait()
	return nil
}

// Send writes an encoded frame to addr, dialing a connection if none exists.
func (t *TCP) Send(data []byte, addr net.Addr) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	t.mu.RUnlock()

	if addr == nil {
		return ErrInvalidAddress
	}
	if len(data) > message.MaxTCPMessageSize {
		return ErrMessageTooLarge
	}

	tc, err := t.getOrCreateConn(addr)
	if err != nil {
		return err
	}

	if t.log != nil {
		t.log.Debugf("sending %d bytes to %v", len(data), addr)
	}
	if err := tc.write(data); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	return nil
}

// LocalAddr returns the local address the transport is listening on.
func (t *TCP) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// acceptLoop accepts incoming connections.
func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				continue
			}
		}

		t.AddConnection(conn)
	}
}

// serveConn reads frames from one connection until it closes.
func (t *TCP) serveConn(tc *tcpConn) {
	defer t.wg.Done()

	remoteAddr := tc.conn.RemoteAddr()
	if err := tc.write(nil); err != nil && t.log != nil {
		t.log.Warnf("failed to send CSM to %s: %v", remoteAddr, err)
	}
	defer func() {
		tc.conn.Close()
		t.connsMu.Lock()
		if t.conns[remoteAddr.String()] == tc {
			delete(t.conns, remoteAddr.String())
		}
		t.connsMu.Unlock()
	}()

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		data, err := tc.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.log != nil {
				select {
				case <-t.closeCh:
				default:
					// A framing error leaves the stream unsynchronized.
					t.log.Warnf("closing connection to %s: %v", remoteAddr, err)
				}
			}
			return
		}

		if t.log != nil {
			t.log.Debugf("received %d bytes from %v", len(data), remoteAddr)
		}

		t.handler(&ReceivedMessage{
			Data:     data,
			PeerAddr: NewTCPPeerAddress(remoteAddr),
		})
	}
}

// getOrCreateConn gets an existing connection or creates a new one.
func (t *TCP) getOrCreateConn(addr net.Addr) (*tcpConn, error) {
	addrStr := addr.String()

	t.connsMu.RLock()
	tc, ok := t.conns[addrStr]
	t.connsMu.RUnlock()
	if ok {
		return tc, nil
	}

	conn, err := net.Dial("tcp", addrStr)
	if err != nil {
		return nil, err
	}

	tc = newTCPConn(conn, t.sendCSM)
	t.connsMu.Lock()
	// Check again in case another goroutine created it
	if existing, ok := t.conns[addrStr]; ok {
		t.connsMu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[addrStr] = tc
	t.connsMu.Unlock()

	t.wg.Add(1)
	go t.serveConn(tc)

	return tc, nil
}

// AddConnection adds an existing connection to the transport.
// This is useful for testing with net.Pipe().
func (t *TCP) AddConnection(conn net.Conn) {
	tc := newTCPConn(conn, t.sendCSM)
	t.connsMu.Lock()
	t.conns[conn.RemoteAddr().String()] = tc
	t.connsMu.Unlock()

	t.wg.Add(1)
	go t.serveConn(tc)
}
