// Package oscore implements Object Security for Constrained RESTful
// Environments (RFC 8613) as a wrap/unwrap layer around CoAP messages.
//
// A Context holds the keys derived from a shared master secret together
// with the sender sequence number and the receive replay window. A Wrapper
// keeps the contexts of an endpoint and protects or unprotects messages
// with them; a Binding ties a response to the request it answers.
package oscore

import "errors"

// Security errors. Inbound messages failing with these are dropped; they
// never count as exchange timeouts.
var (
	// ErrReplayDetected is returned for a sequence number already seen or
	// older than the replay window.
	ErrReplayDetected = errors.New("oscore: replay detected")

	// ErrAuthenticationFailed is returned when the AEAD tag does not verify.
	ErrAuthenticationFailed = errors.New("oscore: authentication failed")

	// ErrContextExhausted is returned once the sender sequence number
	// passed MaxSequence. The context must be renegotiated.
	ErrContextExhausted = errors.New("oscore: security context exhausted")
)

// Message and configuration errors.
var (
	// ErrNotProtected is returned when an inbound message has no OSCORE option.
	ErrNotProtected = errors.New("oscore: message not protected")

	// ErrInvalidOption is returned for a malformed OSCORE option value.
	ErrInvalidOption = errors.New("oscore: invalid OSCORE option")

	// ErrUnknownContext is returned when no context matches the kid.
	ErrUnknownContext = errors.New("oscore: security context not found")

	// ErrMissingPartialIV is returned for a request without a Partial IV.
	ErrMissingPartialIV = errors.New("oscore: missing partial IV")

	// ErrInvalidConfig is returned for unusable context parameters.
	ErrInvalidConfig = errors.New("oscore: invalid context configuration")

	// ErrDecodePlaintext is returned when the decrypted plaintext is not a
	// valid code and option sequence.
	ErrDecodePlaintext = errors.New("oscore: invalid plaintext")
)
