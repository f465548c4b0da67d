package protocol

import "fmt"

// Error reports a malformed or unrecognized inbound message. It is
// logged by the receiving layer and never closes the connection.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// TransportError reports a serialization or send failure. Broadcast
// paths catch it and skip the affected recipient or payload; it never
// propagates past the component that saw it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return "transport: " + e.Op
}

func (e *TransportError) Unwrap() error { return e.Err }
