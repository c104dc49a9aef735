package registry

import "errors"

var (
	// ErrNodeNotFound is returned when the node is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidNodeID is returned when a heartbeat carries a missing or malformed node id.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrInvalidPort is returned when a heartbeat port is outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidAddress is returned when a heartbeat address cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInternalRegistry is returned when a registry counter is found in an impossible state.
	ErrInternalRegistry = errors.New("internal registry error")
)
