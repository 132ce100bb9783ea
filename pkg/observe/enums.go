// Package observe tracks CoAP resource observations (RFC 7641).
//
// A Manager holds client subscriptions, matched against inbound
// notifications by token, and server-side observer registrations, which
// number the notifications they receive. Stale notifications are rejected
// with a rollover-tolerant comparison of the 24-bit sequence number. A
// small ring of recently sent notifications attributes a Reset to the
// observation it cancels. The observation table can be persisted to an
// opaque snapshot and restored.
package observe

// Role identifies which side of an observation the local endpoint is on.
type Role uint8

const (
	// RoleClient is a local subscription to a remote resource.
	RoleClient Role = iota
	// RoleServer is a remote observer of a local resource.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "Client"
	case RoleServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r <= RoleServer
}

// Reason records why an observation ended.
type Reason uint8

const (
	// ReasonCancelled is an explicit local cancellation.
	ReasonCancelled Reason = iota
	// ReasonReset is a Reset received in reply to a notification.
	ReasonReset
	// ReasonTimeout is retransmission exhaustion under the
	// cancel-on-timeout policy.
	ReasonTimeout
	// ReasonDeregistered is an explicit deregistration by the peer.
	ReasonDeregistered
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "Cancelled"
	case ReasonReset:
		return "Reset"
	case ReasonTimeout:
		return "Timeout"
	case ReasonDeregistered:
		return "Deregistered"
	default:
		return "Unknown"
	}
}
