package stream

import (
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/tmaxmax/go-sse"
)

// DefaultMaxFrameSize bounds the size of a single frame. A message_end frame restates the whole
// answer, so this is well above go-sse's default.
const DefaultMaxFrameSize = 1 << 20

// Decoder turns a response body into Events.
type Decoder struct {
	maxFrameSize int

	logger *slog.Logger
}

// NewDecoder creates a Decoder. A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int, logger *slog.Logger) Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return Decoder{
		maxFrameSize: maxFrameSize,
		logger:       logger.With(slog.String("module", "decoder")),
	}
}

// Events reads frames from r until it is exhausted, yielding one Event per well-formed frame in
// wire order. Frames whose payload is not a JSON object are logged and skipped. A read error is
// yielded once and ends the sequence; a clean end of input simply ends it, and so does an input
// that stops partway through a frame. The incomplete frame is dropped.
func (d Decoder) Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		cfg := &sse.ReadConfig{MaxEventSize: d.maxFrameSize}
		for frame, err := range sse.Read(r, cfg) {
			if errors.Is(err, sse.ErrUnexpectedEOF) {
				d.logger.Debug("Dropping incomplete trailing frame")
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if frame.Data == "" {
				continue
			}

			ev, err := ParsePayload([]byte(frame.Data), frame.Type)
			if err != nil {
				d.logger.Debug("Dropping malformed frame",
					slog.String("data", frame.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}

			d.logger.Debug("Decoded frame",
				slog.String("kind", string(ev.Kind)),
				slog.Int("textLen", len(ev.Text)),
				slog.Bool("terminal", ev.Terminal))

			if !yield(ev, nil) {
				return
			}
		}
	}
}
