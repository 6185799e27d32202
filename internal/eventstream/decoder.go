// Package eventstream implements an incremental decoder for
// server-sent-event byte streams carrying JSON payloads. It is used for
// MCP notification streams and for chat-completion token deltas — any
// place a response body arrives as "data:" framed JSON events.
package eventstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// levelTrace is the wire-forensics log level for full event payloads.
// Numeric value matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// doneSentinel is the literal frame payload that terminates a stream.
const doneSentinel = "[DONE]"

// dataPrefix marks the payload lines of an event.
const dataPrefix = "data:"

// Decoder turns a raw byte stream into discrete JSON events. It is not
// restartable: create a fresh Decoder per stream. The underlying reader
// is closed on every exit path — sentinel, EOF, decode of the residual
// buffer, or an explicit Close by the consumer.
type Decoder struct {
	r      io.ReadCloser
	logger *slog.Logger

	buf     []byte // raw bytes not yet split into lines
	event   []string
	readBuf []byte
	eof     bool // underlying reader exhausted
	flushed bool // residual buffer already flushed
	done    bool // sentinel seen or Close called
}

// NewDecoder creates a decoder reading from r. The decoder owns r and
// closes it when the stream ends.
func NewDecoder(r io.ReadCloser, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		r:       r,
		logger:  logger,
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next decoded JSON event. It returns io.EOF when the
// stream is finished — either the source ended, or a frame carried the
// terminal sentinel. Malformed events are logged and skipped, never
// fatal.
func (d *Decoder) Next() (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		line, ok := d.nextLine()
		if !ok {
			if d.eof {
				return d.flush()
			}
			if err := d.fill(); err != nil {
				if err != io.EOF {
					d.release()
					return nil, err
				}
				d.eof = true
			}
			continue
		}

		if ev, ok := d.processLine(line); ok {
			return ev, nil
		}
		if d.done {
			return nil, io.EOF
		}
	}
}

// Close releases the underlying reader. Safe to call multiple times and
// required when the consumer stops early.
func (d *Decoder) Close() error {
	d.done = true
	return d.release()
}

// nextLine extracts one complete line from the buffer, without its
// trailing newline. ok is false when no full line is buffered.
func (d *Decoder) nextLine() (string, bool) {
	for i, b := range d.buf {
		if b == '\n' {
			line := string(d.buf[:i])
			d.buf = d.buf[i+1:]
			return strings.TrimSuffix(line, "\r"), true
		}
	}
	return "", false
}

// fill reads one chunk from the source into the buffer.
func (d *Decoder) fill() error {
	n, err := d.r.Read(d.readBuf)
	if n > 0 {
		d.buf = append(d.buf, d.readBuf[:n]...)
	}
	if n > 0 && err == io.EOF {
		// Consume the final bytes first; report EOF on the next call.
		return nil
	}
	return err
}

// processLine folds one line into the event buffer. A blank line
// terminates the accumulated event; the returned event is valid only
// when ok is true.
func (d *Decoder) processLine(line string) (json.RawMessage, bool) {
	if line == "" {
		return d.finishEvent()
	}
	if strings.HasPrefix(line, dataPrefix) {
		part := strings.TrimPrefix(line, dataPrefix)
		// The SSE grammar allows a single space after the colon.
		part = strings.TrimPrefix(part, " ")
		d.event = append(d.event, part)
	}
	// Other fields (event:, id:, retry:, comments) are ignored.
	return nil, false
}

// finishEvent terminates the accumulated event buffer: empty events are
// ignored, the sentinel ends the stream, anything else is parsed as JSON.
func (d *Decoder) finishEvent() (json.RawMessage, bool) {
	text := strings.TrimSpace(strings.Join(d.event, "\n"))
	d.event = nil

	if text == "" {
		return nil, false
	}
	if text == doneSentinel {
		d.done = true
		d.release()
		return nil, false
	}

	raw := json.RawMessage(text)
	if !json.Valid(raw) {
		d.logger.Warn("skipping malformed event frame", "payload", text)
		return nil, false
	}
	d.logger.Log(context.Background(), levelTrace, "decoded event", "json", text)
	return raw, true
}

// flush handles end-of-source: any residual buffer contents run through
// the normal line and termination logic exactly once.
func (d *Decoder) flush() (json.RawMessage, error) {
	if !d.flushed {
		d.flushed = true
		if len(d.buf) > 0 {
			line := strings.TrimSuffix(string(d.buf), "\r")
			d.buf = nil
			d.processLine(line)
		}
		if ev, ok := d.finishEvent(); ok {
			d.done = true
			d.release()
			return ev, nil
		}
	}
	d.done = true
	d.release()
	return nil, io.EOF
}

// release closes the source reader once.
func (d *Decoder) release() error {
	if d.r == nil {
		return nil
	}
	r := d.r
	d.r = nil
	return r.Close()
}
