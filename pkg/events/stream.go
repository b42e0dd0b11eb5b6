package events

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxStreamLineSize = 1024 * 1024

var doneMarker = []byte("[DONE]")

type streamOptions struct {
	logger zerolog.Logger
}

type StreamOption func(*streamOptions)

func WithStreamLogger(logger zerolog.Logger) StreamOption {
	return func(o *streamOptions) {
		o.logger = logger
	}
}

// ReadStream decodes events from r and hands them to sink in arrival order.
// Both newline delimited JSON and server-sent events framing are accepted:
// "data:" prefixes are stripped, comment, "event:", "id:" and "retry:" lines
// are ignored, and a "[DONE]" payload ends the stream. Lines that fail to
// decode are logged and skipped.
//
// It returns the number of events delivered. A sink error aborts the stream.
func ReadStream(ctx context.Context, r io.Reader, sink EventSink, options ...StreamOption) (int, error) {
	opts := streamOptions{logger: log.Logger}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.logger.With().Str("component", "stream").Logger()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineSize)

	delivered := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		payload, ok := streamPayload(scanner.Bytes())
		if !ok {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			logger.Debug().Int("line", lineNo).Msg("stream done marker")
			return delivered, nil
		}

		// the scanner reuses its buffer
		b := append([]byte(nil), payload...)
		ev, err := NewEventFromJson(b)
		if err != nil {
			logger.Warn().Err(err).Int("line", lineNo).Msg("skipping malformed event")
			continue
		}
		if err := sink.PublishEvent(ev); err != nil {
			return delivered, errors.Wrapf(err, "failed to publish event at line %d", lineNo)
		}
		delivered++
	}
	if err := scanner.Err(); err != nil {
		return delivered, errors.Wrap(err, "failed to read event stream")
	}
	return delivered, nil
}

func streamPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	for _, prefix := range [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")} {
		if bytes.HasPrefix(line, prefix) {
			return nil, false
		}
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[len("data:"):])
		if len(line) == 0 {
			return nil, false
		}
	}
	return line, true
}
