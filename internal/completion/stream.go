package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"PakningChat/internal/backend"
	"PakningChat/internal/chaterr"
	"PakningChat/internal/retry"
	"PakningChat/internal/session"
)

// Event is delivered to a stream handler. Deltas arrive in order; exactly one event
// with Done set ends every stream, carrying the assembled text and the terminal error.
type Event struct {
	Delta string
	Done  bool
	Text  string
	Err   error
}

// Handler receives stream events on the calling goroutine
type Handler func(Event)

// StreamError is returned when a stream fails after text was already delivered.
// The partial text stays delivered and the request is not retried.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted after %d chars: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

var errEmptyStream = errors.New("stream ended without content")

// Stream sends history with stream enabled and forwards deltas to handler. Failures
// before the first delta are retried like Complete.
func (c *Client) Stream(ctx context.Context, history []session.Message, p Params, handler Handler) (string, error) {
	if handler == nil {
		handler = func(Event) {}
	}
	ctx, span := c.tracer.Start(ctx, "chat_completion_stream")
	defer span.End()

	finish := func(text string, err error) (string, error) {
		if err != nil {
			recordSpanError(span, err)
		}
		handler(Event{Done: true, Text: text, Err: err})
		return text, err
	}

	if err := ValidateAPIKey(c.apiKey); err != nil {
		return finish("", chaterr.Auth("stream", err))
	}

	body, model, err := c.requestBody(history, p, true)
	if err != nil {
		return finish("", err)
	}
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.messages", len(history)))

	var buf strings.Builder
	retryable := func(err error) bool {
		var se *StreamError
		if errors.As(err, &se) {
			return false
		}
		return chaterr.Retryable(err)
	}

	attempts := 0
	start := time.Now()
	err = retry.Do(ctx, c.retryPolicy(ctx), retryable, func(ctx context.Context, attempt int) error {
		attempts = attempt
		err := c.streamOnce(ctx, body, &buf, handler)
		if err != nil {
			c.logger.Warn("chat stream attempt failed", "attempt", attempt, "model", model, "error", err)
		}
		return err
	})
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		c.logger.Error("chat stream failed", "model", model, "attempts", attempts, "error", err)
		return finish(buf.String(), err)
	}

	c.logger.Info("chat stream completed",
		"model", model,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds(),
		"response_chars", buf.Len(),
	)
	return finish(buf.String(), nil)
}

func (c *Client) streamOnce(ctx context.Context, body []byte, buf *strings.Builder, handler Handler) error {
	resp, err := c.send(ctx, "stream", body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fail := func(err error) error {
		if buf.Len() > 0 {
			return &StreamError{Partial: buf.String(), Err: err}
		}
		return err
	}

	reader := newSSEReader(resp.Body)
	for {
		data, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(chaterr.Transient("stream", fmt.Errorf("failed to read stream: %w", err)))
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk backend.OpenAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Usage) > 0 {
			c.recordUsage(ctx, chunk.Usage)
		}
		if delta := chunk.Delta(); delta != "" {
			buf.WriteString(delta)
			handler(Event{Delta: delta})
		}
	}

	if buf.Len() == 0 {
		return chaterr.Protocol("stream", errEmptyStream)
	}
	return nil
}

// sseReader yields the data payload of each server-sent event
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the joined data lines of the next event, io.EOF at the end of the stream
func (s *sseReader) next() ([]byte, error) {
	var lines [][]byte
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := errors.Is(err, io.EOF)

		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			lines = append(lines, bytes.TrimSpace(line[5:]))
		}
		// comments (":"), event, id and retry fields are ignored

		if eof {
			if len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			return nil, io.EOF
		}
	}
}
