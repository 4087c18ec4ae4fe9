package transport

import (
	"errors"
	"fmt"
)

// TransportError wraps a network-level failure: connection refused, timeout,
// dropped response. These are always retryable; the request may or may not
// have reached the server, which is why pushes carry idempotency keys.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejection is a definitive refusal from the server: bad credentials,
// malformed request, unsupported protocol version. Retrying the same request
// will not help.
type ServerRejection struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("server rejected %s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// ProtocolError means the server answered with something the client could
// not interpret, typically a truncated or malformed body. The response may
// have been mangled in transit, so these are retried like transport errors.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRetryable reports whether a sync cycle should back off and try again
// rather than give up on the error.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return true
	}
	return false
}
