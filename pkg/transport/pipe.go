package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation on a Pipe.
// Conditions apply to datagrams only; the stream side of a pipe is lossless.
type NetworkCondition struct {
	// DropRate is the probability of dropping a datagram (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each datagram.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each datagram.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory packet communication between two
// endpoints. It wraps pion's test.Bridge and adds loss, delay and
// duplication, which is how retransmission and deduplication are exercised
// without real network I/O.
//
// By default, Pipe delivers in a background goroutine. Use
// SetAutoProcess(false) and Process for step-by-step delivery.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	if p.closed || p.autoProcess == enabled {
		p.mu.Unlock()
		return
	}
	p.autoProcess = enabled
	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// SetCondition configures network condition simulation.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// conn returns the bridge endpoint with the given ID.
func (p *Pipe) conn(id int) net.Conn {
	if id == 0 {
		return p.bridge.GetConn0()
	}
	return p.bridge.GetConn1()
}

// Process delivers all queued packets and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn adapts one Pipe endpoint to net.PacketConn so it can back
// the UDP transport.
type PipePacketConn struct {
	conn     net.Conn
	local    PipeAddr
	peerAddr PipeAddr
	pipe     *Pipe
}

// NewPipePacketConn returns the packet conn for endpoint id (0 or 1).
func NewPipePacketConn(p *Pipe, id, port int) *PipePacketConn {
	return &PipePacketConn{
		conn:     p.conn(id),
		local:    PipeAddr{ID: id, Port: port},
		peerAddr: PipeAddr{ID: 1 - id, Port: port},
		pipe:     p,
	}
}

// ReadFrom reads a packet; the source is always the other endpoint.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a packet to the other endpoint, applying the pipe's
// network condition. addr is ignored since the pipe has only one peer.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.pipe.mu.RLock()
	cond := c.pipe.condition
	rng := c.pipe.rng
	c.pipe.mu.RUnlock()

	if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
		return len(b), nil
	}
	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		time.Sleep(delay)
	}
	if cond.DuplicateRate > 0 && rng.Float64() < cond.DuplicateRate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes the pipe endpoint.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var _ net.PacketConn = (*PipePacketConn)(nil)

// PipeStreamConn adapts one Pipe endpoint to net.Conn with pipe addresses,
// standing in for an established TCP connection.
type PipeStreamConn struct {
	net.Conn
	local  PipeAddr
	remote PipeAddr
}

// NewPipeStreamConn returns the stream conn for endpoint id (0 or 1).
func NewPipeStreamConn(p *Pipe, id, port int) *PipeStreamConn {
	return &PipeStreamConn{
		Conn:   p.conn(id),
		local:  PipeAddr{ID: id, Port: port},
		remote: PipeAddr{ID: 1 - id, Port: port},
	}
}

// LocalAddr returns the local network address.
func (c *PipeStreamConn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the remote network address.
func (c *PipeStreamConn) RemoteAddr() net.Addr {
	return c.remote
}

// PipeManagerConfig configures a PipeManagerPair.
type PipeManagerConfig struct {
	// UDP enables UDP transport (default: true if both UDP and TCP are false).
	UDP bool

	// TCP enables TCP transport (default: true if both UDP and TCP are false).
	TCP bool

	// Handlers are the message handlers for each manager.
	// Handlers[0] is for Manager(0), Handlers[1] is for Manager(1).
	Handlers [2]MessageHandler

	// PipeConfig configures the underlying pipes (optional).
	PipeConfig PipeConfig
}

// PipeAddresses contains the addresses needed to reach a manager over the pipe.
type PipeAddresses struct {
	// UDP is the UDP peer address, or invalid if UDP is not enabled.
	UDP PeerAddress

	// TCP is the TCP peer address, or invalid if TCP is not enabled.
	TCP PeerAddress
}

// PipeManagerPair provides two connected Manager instances for testing.
// Datagrams and frames sent by one manager arrive at the other via
// in-memory pipes.
//
// Example:
//
//	pair, _ := transport.NewPipeManagerPair(transport.PipeManagerConfig{
//	    UDP: true,
//	    TCP: true,
//	    Handlers: [2]transport.MessageHandler{handler0, handler1},
//	})
//	defer pair.Close()
//
//	pair.Manager(0).Send(datagram, pair.PeerAddresses(1).UDP)
//	pair.Manager(1).Send(frame, pair.PeerAddresses(0).TCP)
type PipeManagerPair struct {
	managers [2]*Manager
	pipe     *Pipe // datagrams
	tcpPipe  *Pipe // stream
	port     int
	udp      bool
	tcp      bool
}

// NewPipeManagerPair creates a pair of connected, started managers.
func NewPipeManagerPair(config PipeManagerConfig) (*PipeManagerPair, error) {
	if !config.UDP && !config.TCP {
		config.UDP = true
		config.TCP = true
	}
	if config.PipeConfig.ProcessInterval == 0 {
		config.PipeConfig = DefaultPipeConfig()
	}

	pair := &PipeManagerPair{
		port: DefaultPort,
		udp:  config.UDP,
		tcp:  config.TCP,
	}

	var udpConns [2]net.PacketConn
	if config.UDP {
		pair.pipe = NewPipeWithConfig(config.PipeConfig)
		for i := 0; i < 2; i++ {
			udpConns[i] = NewPipePacketConn(pair.pipe, i, pair.port)
		}
	}

	// The TCP side uses idle listeners; each manager gets its end of the
	// stream pipe through AddConnection.
	var tcpListeners [2]net.Listener
	if config.TCP {
		pair.tcpPipe = NewPipeWithConfig(config.PipeConfig)
		for i := 0; i < 2; i++ {
			tcpListeners[i] = newIdleListener(PipeAddr{ID: i, Port: pair.port})
		}
	}

	for i := 0; i < 2; i++ {
		mgr, err := NewManager(ManagerConfig{
			Port:           pair.port,
			UDPEnabled:     config.UDP,
			TCPEnabled:     config.TCP,
			MessageHandler: config.Handlers[i],
			UDPConn:        udpConns[i],
			TCPListener:    tcpListeners[i],
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.managers[i] = mgr

		if config.TCP {
			mgr.TCP().AddConnection(NewPipeStreamConn(pair.tcpPipe, i, pair.port))
		}
		if err := mgr.Start(); err != nil {
			pair.Close()
			return nil, err
		}
	}

	return pair, nil
}

// idleListener is a net.Listener whose Accept blocks until Close.
type idleListener struct {
	addr      net.Addr
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newIdleListener(addr net.Addr) *idleListener {
	return &idleListener{addr: addr, closeCh: make(chan struct{})}
}

func (l *idleListener) Accept() (net.Conn, error) {
	<-l.closeCh
	return nil, net.ErrClosed
}

func (l *idleListener) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}

func (l *idleListener) Addr() net.Addr {
	return l.addr
}

// Manager returns the manager at the given index (0 or 1).
func (p *PipeManagerPair) Manager(id int) *Manager {
	if id < 0 || id > 1 {
		return nil
	}
	return p.managers[id]
}

// PeerAddresses returns the addresses for sending TO the manager at the
// given index.
func (p *PipeManagerPair) PeerAddresses(id int) PipeAddresses {
	if id < 0 || id > 1 {
		return PipeAddresses{}
	}
	addrs := PipeAddresses{}
	if p.udp {
		addrs.UDP = NewUDPPeerAddress(PipeAddr{ID: id, Port: p.port})
	}
	if p.tcp {
		addrs.TCP = NewTCPPeerAddress(PipeAddr{ID: id, Port: p.port})
	}
	return addrs
}

// Pipe returns the datagram pipe, or nil if UDP is not enabled.
func (p *PipeManagerPair) Pipe() *Pipe {
	return p.pipe
}

// TCPPipe returns the stream pipe, or nil if TCP is not enabled.
func (p *PipeManagerPair) TCPPipe() *Pipe {
	return p.tcpPipe
}

// Close stops both managers and closes all pipes.
func (p *PipeManagerPair) Close() error {
	for i := 0; i < 2; i++ {
		if p.managers[i] != nil {
			// Ignore errors - manager may already be stopped
			p.managers[i].Stop()
		}
	}
	if p.pipe != nil {
		p.pipe.Close()
	}
	if p.tcpPipe != nil {
		p.tcpPipe.Close()
	}
	return nil
}
