package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ActivityReader reports every successful read to a callback, which the supervisor uses as its
// liveness signal.
type ActivityReader struct {
	r     io.Reader
	touch func()
}

// NewActivityReader wraps r so touch is called whenever bytes arrive.
func NewActivityReader(r io.Reader, touch func()) *ActivityReader {
	return &ActivityReader{r: r, touch: touch}
}

func (a *ActivityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

// RetryReader retries failed reads of a flaky body. It gives up with a ReadRetryExhaustedError
// after maxAttempts consecutive failures; a successful read resets the count. io.EOF and context
// cancellation are passed through untouched.
type RetryReader struct {
	ctx         context.Context
	r           io.Reader
	maxAttempts int
	delay       time.Duration

	attempts int

	logger *slog.Logger
}

// NewRetryReader wraps r. maxAttempts below 1 is treated as 1.
func NewRetryReader(ctx context.Context, r io.Reader, maxAttempts int, delay time.Duration,
	logger *slog.Logger,
) *RetryReader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryReader{
		ctx:         ctx,
		r:           r,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger,
	}
}

func (rr *RetryReader) Read(p []byte) (int, error) {
	for {
		n, err := rr.r.Read(p)
		if err == nil || errors.Is(err, io.EOF) {
			rr.attempts = 0
			return n, err
		}
		if ctxErr := rr.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		if n > 0 {
			// Hand the bytes over first; the error will come back on the next read if it persists.
			rr.attempts = 0
			return n, nil
		}

		rr.attempts++
		rr.logger.Warn("Reading stream failed",
			slog.Int("attempt", rr.attempts),
			slog.Int("maxAttempts", rr.maxAttempts),
			slog.String(errLoggerKey, err.Error()))
		if rr.attempts >= rr.maxAttempts {
			return 0, &ReadRetryExhaustedError{Attempts: rr.attempts, Err: err}
		}

		t := time.NewTimer(rr.delay)
		select {
		case <-rr.ctx.Done():
			t.Stop()
			return 0, rr.ctx.Err()
		case <-t.C:
		}
	}
}
