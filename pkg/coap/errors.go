// Package coap ties the CoAP layers into an endpoint that is both client
// and server.
//
// An Endpoint owns the exchange engine, the block-wise transfer manager,
// the observation manager and, when enabled, the OSCORE wrapper. Outbound
// requests are protected, split into blocks and handed to the engine;
// inbound messages travel the same layers in reverse before reaching a
// resource handler or a waiting caller.
//
// Usage:
//
//	ep, _ := coap.NewEndpoint(coap.DefaultConfig())
//	ep.HandleFunc("temp", func(req *coap.Request) *message.Message {
//		resp := message.NewResponse(req.Message, message.Content)
//		resp.Payload = []byte("21.5")
//		return resp
//	})
//	ep.Start()
//	defer ep.Close()
package coap

import "errors"

// Package-level errors.
var (
	// ErrInvalidConfig is returned when Config validation fails.
	ErrInvalidConfig = errors.New("coap: invalid configuration")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("coap: endpoint already started")

	// ErrNotStarted is returned for requests before Start.
	ErrNotStarted = errors.New("coap: endpoint not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coap: endpoint closed")

	// ErrObserveDisabled is returned by observe operations when the
	// feature is off.
	ErrObserveDisabled = errors.New("coap: observe disabled")

	// ErrOSCOREDisabled is returned by security operations when the
	// feature is off.
	ErrOSCOREDisabled = errors.New("coap: OSCORE disabled")

	// ErrNotObservable is returned when a registration response carries
	// no Observe option.
	ErrNotObservable = errors.New("coap: resource not observable")

	// ErrObservationEnded is delivered to a notification handler when its
	// observation is cancelled by a reset, a timeout or a final response.
	ErrObservationEnded = errors.New("coap: observation ended")

	// ErrUnexpectedResponse is returned for a response that breaks the
	// block-wise protocol.
	ErrUnexpectedResponse = errors.New("coap: unexpected response")
)
