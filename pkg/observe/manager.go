package observe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// DefaultNotifyCacheSize is the default capacity of the notification ring.
const DefaultNotifyCacheSize = 4

// CancelHandler is called after an observation ends for any reason other
// than an explicit Cancel.
type CancelHandler func(obs Observation, reason Reason)

// ExpireHandler is called when a client observation received no
// notification within the period set by SetExpiry.
type ExpireHandler func(obs Observation)

// Metrics receives observation events.
type Metrics interface {
	ObservationRegistered(role Role)
	ObservationCancelled(reason Reason)
	NotificationAccepted()
	NotificationRejected()
}

type nopMetrics struct{}

func (nopMetrics) ObservationRegistered(Role)  {}
func (nopMetrics) ObservationCancelled(Reason) {}
func (nopMetrics) NotificationAccepted()       {}
func (nopMetrics) NotificationRejected()       {}

// Config configures a Manager.
type Config struct {
	// Scheduler drives expiry timers. Required for SetExpiry.
	Scheduler sched.Scheduler

	// Locker guards manager state. Share it with the exchange engine of
	// the same endpoint. Defaults to a mutex.
	Locker sync.Locker

	// NotifyCacheSize is the capacity of the notification ring used to
	// attribute Resets. Default: 4
	NotifyCacheSize int

	// CancelOnTimeout is the policy given to new observations.
	CancelOnTimeout bool

	// Persistence enables Persist and Restore.
	Persistence bool

	// OnCancel is notified of resets, timeouts and deregistrations.
	OnCancel CancelHandler

	// OnExpire is notified when an expiry timer fires.
	OnExpire ExpireHandler

	// Metrics receives observation events. Optional.
	Metrics Metrics

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Locker == nil {
		c.Locker = &sync.Mutex{}
	}
	if c.NotifyCacheSize <= 0 {
		c.NotifyCacheSize = DefaultNotifyCacheSize
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
}

// notifyRecord attributes one sent notification to its observation.
type notifyRecord struct {
	peer  string
	mid   uint16
	token string
}

// Manager tracks observations on both sides of an endpoint.
//
// All state is guarded by the configured Locker, which is released before
// handlers run.
type Manager struct {
	config Config
	log    logging.LeveledLogger
	lock   sync.Locker

	entries map[key]*entry

	// ring of recently sent notifications, oldest at head.
	ring []notifyRecord
	head int
	size int
}

// NewManager creates an observation manager.
func NewManager(config Config) *Manager {
	config.applyDefaults()
	m := &Manager{
		config:  config,
		lock:    config.Locker,
		entries: make(map[key]*entry),
		ring:    make([]notifyRecord, config.NotifyCacheSize),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("coap-observe")
	}
	return m
}

// PersistenceEnabled reports whether Persist and Restore are available.
func (m *Manager) PersistenceEnabled() bool {
	return m.config.Persistence
}

// Register creates an observation, or refreshes an existing one with the
// same token (and peer, for server observations). Re-registration keeps
// the original creation time.
func (m *Manager) Register(r Registration) (Observation, error) {
	if len(r.Token) > message.MaxTokenLength {
		return Observation{}, ErrInvalidToken
	}
	if len(r.Resource) > 0xFFFF {
		return Observation{}, ErrResourceTooLong
	}
	if !r.Role.IsValid() {
		return Observation{}, fmt.Errorf("%w: %d", ErrWrongRole, r.Role)
	}

	k := clientKey(r.Token)
	if r.Role == RoleServer {
		k = serverKey(r.Peer, r.Token)
	}

	m.lock.Lock()
	e, exists := m.entries[k]
	if !exists {
		e = &entry{obs: Observation{
			Token:           append(message.Token(nil), r.Token...),
			Role:            r.Role,
			CancelOnTimeout: m.config.CancelOnTimeout,
			RegisteredAt:    m.now(),
		}}
		m.entries[k] = e
	}
	if r.Role == RoleServer {
		// A restored observer has no peer until it registers again.
		delete(m.entries, key{peer: restoredPeer, token: r.Token.Key()})
	}
	e.obs.Resource = r.Resource
	e.obs.Seq = r.Seq & message.ObserveSeqMask
	e.obs.Peer = r.Peer
	e.obs.Restored = false
	obs := e.snapshot()
	m.lock.Unlock()

	if !exists {
		m.config.Metrics.ObservationRegistered(r.Role)
	}
	if m.log != nil {
		m.log.Debugf("registered %s observation %s on %q (seq %d)", r.Role, obs.Token, obs.Resource, obs.Seq)
	}
	return obs, nil
}

// Accept applies an inbound notification for a client observation.
// It returns true and advances the sequence number iff seq is fresher
// than the last accepted value; a stale notification changes nothing.
func (m *Manager) Accept(token message.Token, seq uint32) (bool, error) {
	seq &= message.ObserveSeqMask

	m.lock.Lock()
	e, ok := m.entries[clientKey(token)]
	if !ok {
		m.lock.Unlock()
		return false, ErrObservationNotFound
	}
	if !Fresher(seq, e.obs.Seq) {
		last := e.obs.Seq
		m.lock.Unlock()
		m.config.Metrics.NotificationRejected()
		if m.log != nil {
			m.log.Debugf("stale notification %d for %s (last %d)", seq, token, last)
		}
		return false, nil
	}
	e.obs.Seq = seq
	m.lock.Unlock()

	m.config.Metrics.NotificationAccepted()
	return true, nil
}

// NextSequence advances and returns the sequence number for the next
// notification to a server observation.
func (m *Manager) NextSequence(peer transport.PeerAddress, token message.Token) (uint32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[serverKey(peer, token)]
	if !ok {
		return 0, ErrObservationNotFound
	}
	e.obs.Seq = (e.obs.Seq + 1) & message.ObserveSeqMask
	return e.obs.Seq, nil
}

// Observers returns the server observations of resource, ordered by peer
// and token.
func (m *Manager) Observers(resource string) []Observation {
	m.lock.Lock()
	var out []Observation
	for _, e := range m.entries {
		if e.obs.Role == RoleServer && e.obs.Resource == resource && e.obs.Peer.IsValid() {
			out = append(out, e.snapshot())
		}
	}
	m.lock.Unlock()
	sortObservations(out)
	return out
}

// RecordNotification remembers that a notification with message ID mid
// was sent to peer for token. The oldest record is evicted when the ring
// is full.
func (m *Manager) RecordNotification(peer transport.PeerAddress, mid uint16, token message.Token) {
	m.lock.Lock()
	defer m.lock.Unlock()
	idx := (m.head + m.size) % len(m.ring)
	if m.size == len(m.ring) {
		m.head = (m.head + 1) % len(m.ring)
	} else {
		m.size++
	}
	m.ring[idx] = notifyRecord{peer: peer.String(), mid: mid, token: token.Key()}
}

// HandleReset cancels the server observation whose notification with
// message ID mid was rejected by peer. It reports whether one matched.
func (m *Manager) HandleReset(peer transport.PeerAddress, mid uint16) bool {
	p := peer.String()

	m.lock.Lock()
	var rec notifyRecord
	found := false
	for i := 0; i < m.size; i++ {
		r := m.ring[(m.head+i)%len(m.ring)]
		if r.peer == p && r.mid == mid {
			rec, found = r, true
		}
	}
	if !found {
		m.lock.Unlock()
		return false
	}
	e, ok := m.removeLocked(key{peer: rec.peer, token: rec.token})
	m.lock.Unlock()

	if !ok {
		return false
	}
	m.ended(e, ReasonReset)
	return true
}

// HandleTimeout applies the timeout policy after an exchange for the
// client observation with token timed out. It reports whether the
// observation was cancelled; without the cancel-on-timeout policy it is
// kept in anticipation of recovered connectivity.
func (m *Manager) HandleTimeout(token message.Token) bool {
	return m.timeout(clientKey(token))
}

// HandleObserverTimeout applies the timeout policy after a confirmable
// notification to a server observation went unacknowledged.
func (m *Manager) HandleObserverTimeout(peer transport.PeerAddress, token message.Token) bool {
	return m.timeout(serverKey(peer, token))
}

func (m *Manager) timeout(k key) bool {
	m.lock.Lock()
	e, ok := m.entries[k]
	if !ok || !e.obs.CancelOnTimeout {
		m.lock.Unlock()
		if ok && m.log != nil {
			m.log.Debugf("keeping observation %s after timeout", e.obs.Token)
		}
		return false
	}
	m.removeLocked(k)
	m.lock.Unlock()

	m.ended(e, ReasonTimeout)
	return true
}

// Deregister removes a server observation at the peer's request.
func (m *Manager) Deregister(peer transport.PeerAddress, token message.Token) bool {
	m.lock.Lock()
	e, ok := m.removeLocked(serverKey(peer, token))
	m.lock.Unlock()
	if ok {
		m.ended(e, ReasonDeregistered)
	}
	return ok
}

// Cancel removes the client observation with token. OnCancel is not
// called. Idempotent.
func (m *Manager) Cancel(token message.Token) bool {
	return m.cancel(clientKey(token))
}

// CancelObserver removes a server observation. OnCancel is not called.
func (m *Manager) CancelObserver(peer transport.PeerAddress, token message.Token) bool {
	return m.cancel(serverKey(peer, token))
}

func (m *Manager) cancel(k key) bool {
	m.lock.Lock()
	e, ok := m.removeLocked(k)
	m.lock.Unlock()
	if !ok {
		return false
	}
	if e.expiry != nil {
		e.expiry.Stop()
	}
	m.config.Metrics.ObservationCancelled(ReasonCancelled)
	if m.log != nil {
		m.log.Debugf("cancelled observation %s", e.obs.Token)
	}
	return true
}

// SetExpiry arms (or re-arms) a timer that reports the client observation
// to OnExpire unless SetExpiry or Cancel is called again within d,
// typically the Max-Age of the last notification.
func (m *Manager) SetExpiry(token message.Token, d time.Duration) error {
	if m.config.Scheduler == nil {
		return fmt.Errorf("observe: expiry needs a scheduler")
	}
	k := clientKey(token)

	m.lock.Lock()
	e, ok := m.entries[k]
	if !ok {
		m.lock.Unlock()
		return ErrObservationNotFound
	}
	if e.expiry == nil {
		e.expiry = sched.NewTimer(m.config.Scheduler)
	}
	timer := e.expiry
	m.lock.Unlock()

	timer.Reset(d, func() { m.onExpire(k, e) })
	return nil
}

func (m *Manager) onExpire(k key, e *entry) {
	m.lock.Lock()
	if m.entries[k] != e {
		m.lock.Unlock()
		return
	}
	obs := e.snapshot()
	m.lock.Unlock()

	if m.log != nil {
		m.log.Infof("observation %s on %q expired", obs.Token, obs.Resource)
	}
	if m.config.OnExpire != nil {
		m.config.OnExpire(obs)
	}
}

// Get returns the client observation with token.
func (m *Manager) Get(token message.Token) (Observation, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[clientKey(token)]
	if !ok {
		return Observation{}, false
	}
	return e.snapshot(), true
}

// List returns all observations ordered by peer and token.
func (m *Manager) List() []Observation {
	m.lock.Lock()
	out := make([]Observation, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	m.lock.Unlock()
	sortObservations(out)
	return out
}

// Len returns the number of observations.
func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}

// Close stops all expiry timers and drops every observation.
func (m *Manager) Close() {
	m.lock.Lock()
	entries := m.entries
	m.entries = make(map[key]*entry)
	m.size, m.head = 0, 0
	m.lock.Unlock()

	for _, e := range entries {
		if e.expiry != nil {
			e.expiry.Stop()
		}
	}
}

func (m *Manager) removeLocked(k key) (*entry, bool) {
	e, ok := m.entries[k]
	if ok {
		delete(m.entries, k)
	}
	return e, ok
}

// ended stops the entry's timer and reports it. Called without the lock.
func (m *Manager) ended(e *entry, reason Reason) {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	m.config.Metrics.ObservationCancelled(reason)
	if m.log != nil {
		m.log.Infof("observation %s on %q ended: %s", e.obs.Token, e.obs.Resource, reason)
	}
	if m.config.OnCancel != nil {
		m.config.OnCancel(e.snapshot(), reason)
	}
}

func (m *Manager) now() time.Time {
	if m.config.Scheduler != nil {
		return m.config.Scheduler.Now()
	}
	return time.Now()
}

func sortObservations(obs []Observation) {
	sort.Slice(obs, func(i, j int) bool {
		pi, pj := obs[i].Peer.String(), obs[j].Peer.String()
		if obs[i].Role != obs[j].Role {
			return obs[i].Role < obs[j].Role
		}
		if pi != pj {
			return pi < pj
		}
		return obs[i].Token.Key() < obs[j].Token.Key()
	})
}
