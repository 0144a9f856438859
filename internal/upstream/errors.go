package upstream

import (
	"errors"
	"fmt"
)

// TransportError reports a network failure, timeout, or non-2xx status.
// These are the only upstream errors worth retrying.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LogicalError reports a 2xx response whose envelope signals failure or
// cannot be decoded.
type LogicalError struct {
	Code    int
	Message string
	Err     error
}

func (e *LogicalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream malformed response: %v", e.Err)
	}
	return fmt.Sprintf("upstream error code %d: %s", e.Code, e.Message)
}

func (e *LogicalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
