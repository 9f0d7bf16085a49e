package stream

import (
	"errors"
	"fmt"
)

const errLoggerKey = "err"

// ErrStallTimeout is returned when the supervisor gave up on a stream that stopped sending bytes.
var ErrStallTimeout = errors.New("stream stalled")

// UpstreamError is an error event reported by the backend inside the stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// ReadRetryExhaustedError is returned when reading the body kept failing past the retry budget.
type ReadRetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ReadRetryExhaustedError) Error() string {
	return fmt.Sprintf("reading stream failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReadRetryExhaustedError) Unwrap() error {
	return e.Err
}
