package outcome

import "fmt"

// TransportError is returned when a request could not reach the target.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError represents an HTTP response with a failing status code.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RPCError is returned for a gRPC call that completed with a non-OK status.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// StreamError is returned when an event stream is refused or closed early.
type StreamError struct {
	URL    string
	Status int
	Reason string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream %s: unexpected status code: %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("stream %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("stream %s: %s", e.URL, e.Reason)
}

func (e *StreamError) Unwrap() error { return e.Err }
