package coap

// EndpointState is the lifecycle state of an Endpoint.
type EndpointState int

const (
	// EndpointStateInitialized means the endpoint is created but not started.
	EndpointStateInitialized EndpointState = iota

	// EndpointStateStarting means Start is binding the transports.
	EndpointStateStarting

	// EndpointStateRunning means the endpoint sends and serves messages.
	EndpointStateRunning

	// EndpointStateStopping means Close is saving state and releasing
	// resources.
	EndpointStateStopping

	// EndpointStateClosed means the endpoint has been shut down.
	EndpointStateClosed
)

// String returns a human-readable name for the state.
func (s EndpointState) String() string {
	switch s {
	case EndpointStateInitialized:
		return "Initialized"
	case EndpointStateStarting:
		return "Starting"
	case EndpointStateRunning:
		return "Running"
	case EndpointStateStopping:
		return "Stopping"
	case EndpointStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsRunning returns true if requests can be sent in this state.
func (s EndpointState) IsRunning() bool {
	return s == EndpointStateRunning
}

// CanStart returns true if Start can be called in this state.
func (s EndpointState) CanStart() bool {
	return s == EndpointStateInitialized
}

// CanStop returns true if Close has work to do in this state.
func (s EndpointState) CanStop() bool {
	return s == EndpointStateInitialized || s == EndpointStateRunning
}
