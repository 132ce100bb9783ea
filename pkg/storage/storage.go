// Package storage persists endpoint state across restarts: observation
// snapshots and OSCORE sender sequence numbers.
//
// Values are opaque byte slices; their layout belongs to the package that
// produces them (see observe.Manager.Persist).
package storage

import "errors"

var (
	// ErrNotFound is returned by Load for a missing key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Well-known keys.
const (
	// KeyObservations holds the observation snapshot.
	KeyObservations = "observe/snapshot"

	// KeySequencePrefix prefixes the OSCORE sender sequence of a context,
	// followed by the hex recipient ID.
	KeySequencePrefix = "oscore/seq/"
)

// Storage abstracts persistent storage for endpoint state.
// Implementations can use files, databases, or in-memory storage.
//
// All methods must be safe for concurrent use.
type Storage interface {
	// Load returns a copy of the value stored under key, or ErrNotFound.
	Load(key string) ([]byte, error)

	// Save stores or replaces the value under key.
	Save(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases resources. Later calls fail with ErrClosed.
	Close() error
}
