package observe

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/transport"
)

// freshnessWindow is half the 24-bit sequence space (RFC 7641 Section 3.4).
const freshnessWindow = 1 << 23

// Fresher reports whether sequence number next is newer than last.
// The distance (next - last) mod 2^24 must lie in (0, 2^23); a distance
// of exactly 2^23 is ambiguous and rejected.
func Fresher(next, last uint32) bool {
	d := (next - last) & message.ObserveSeqMask
	return d != 0 && d < freshnessWindow
}

// Observation is a snapshot of one observation's state.
type Observation struct {
	// Token correlates the registration with its notifications.
	Token message.Token

	// Resource identifies the observed resource (its URI path).
	Resource string

	// Seq is the last accepted (client) or last sent (server) sequence
	// number.
	Seq uint32

	// Role is the local side of the observation.
	Role Role

	// CancelOnTimeout cancels the observation when an exchange for it
	// times out.
	CancelOnTimeout bool

	// Peer is the remote endpoint. It is not persisted and is invalid for
	// restored observations until they are registered again.
	Peer transport.PeerAddress

	// Restored marks observations rebuilt from a snapshot.
	Restored bool

	// RegisteredAt is when the observation was created.
	RegisteredAt time.Time
}

// Registration describes a new observation.
type Registration struct {
	Token    message.Token
	Resource string
	Role     Role
	Peer     transport.PeerAddress

	// Seq is the Observe value of the registration response (client) or
	// the first sequence number sent (server).
	Seq uint32
}

// key identifies an observation. Client tokens are locally generated and
// unique, so client keys omit the peer.
type key struct {
	peer  string
	token string
}

func clientKey(token message.Token) key {
	return key{token: token.Key()}
}

func serverKey(peer transport.PeerAddress, token message.Token) key {
	return key{peer: peer.String(), token: token.Key()}
}

// entry is the manager's mutable record for one observation.
type entry struct {
	obs    Observation
	expiry *sched.Timer
}

func (e *entry) snapshot() Observation {
	o := e.obs
	o.Token = append(message.Token(nil), e.obs.Token...)
	return o
}
