package observe

import "errors"

// Observation errors.
var (
	// ErrObservationNotFound is returned when no observation matches a token.
	ErrObservationNotFound = errors.New("observe: observation not found")

	// ErrInvalidToken is returned for tokens longer than 8 bytes.
	ErrInvalidToken = errors.New("observe: invalid token")

	// ErrResourceTooLong is returned for resource identifiers that do not
	// fit the snapshot's 16-bit length prefix.
	ErrResourceTooLong = errors.New("observe: resource identifier too long")

	// ErrWrongRole is returned when a client operation targets a server
	// observation or vice versa.
	ErrWrongRole = errors.New("observe: wrong observation role")
)

// Persistence errors. A failed Restore applies no state.
var (
	// ErrCorruptState is returned for structurally invalid snapshots.
	ErrCorruptState = errors.New("observe: corrupt state")

	// ErrUnsupportedPersistenceVersion is returned for snapshots written
	// with another layout version.
	ErrUnsupportedPersistenceVersion = errors.New("observe: unsupported persistence version")

	// ErrPersistenceDisabled is returned by Persist and Restore when the
	// manager was built without persistence.
	ErrPersistenceDisabled = errors.New("observe: persistence disabled")
)
