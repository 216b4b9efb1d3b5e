package generation

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

const defaultReadSize = 4096

// DecoderOption configures a LineDecoder.
type DecoderOption func(*LineDecoder)

// WithReadSize sets the size of each read from the body.
func WithReadSize(n int) DecoderOption {
	return func(d *LineDecoder) {
		if n > 0 {
			d.buf = make([]byte, n)
		}
	}
}

// WithTrailingLineFlush makes the decoder yield a final line that has no
// terminating newline. By default that tail is discarded at end of stream.
func WithTrailingLineFlush() DecoderOption {
	return func(d *LineDecoder) {
		d.flushTail = true
	}
}

// LineDecoder turns a byte stream into newline-delimited text lines.
//
// UTF-8 decoding is stateful across reads: a multi-byte sequence split
// between two reads is carried over and decoded once complete. Text after
// the last newline is held until more bytes arrive.
type LineDecoder struct {
	r         io.Reader
	buf       []byte
	carry     []byte
	partial   string
	lines     []string
	eof       bool
	flushTail bool
}

// NewLineDecoder creates a decoder reading from r.
func NewLineDecoder(r io.Reader, opts ...DecoderOption) *LineDecoder {
	d := &LineDecoder{r: r}
	for _, opt := range opts {
		opt(d)
	}
	if d.buf == nil {
		d.buf = make([]byte, defaultReadSize)
	}
	return d
}

// Next returns the next complete line without its terminator. It returns
// io.EOF once the body is exhausted and ctx.Err() if ctx ends first.
func (d *LineDecoder) Next(ctx context.Context) (string, error) {
	for {
		if len(d.lines) > 0 {
			line := d.lines[0]
			d.lines = d.lines[1:]
			return line, nil
		}

		if d.eof {
			if d.flushTail && d.partial != "" {
				line := strings.TrimSuffix(d.partial, "\r")
				d.partial = ""
				return line, nil
			}
			return "", io.EOF
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.decode(d.buf[:n])
		}
		if err == io.EOF {
			d.eof = true
			if len(d.carry) > 0 {
				// A truncated sequence can never complete.
				d.partial += string(utf8.RuneError)
				d.carry = nil
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
	}
}

func (d *LineDecoder) decode(chunk []byte) {
	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	if cut := incompleteSuffix(data); cut < len(data) {
		d.carry = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	if len(data) == 0 {
		return
	}

	text := d.partial + strings.ToValidUTF8(string(data), string(utf8.RuneError))
	parts := strings.Split(text, "\n")
	for _, line := range parts[:len(parts)-1] {
		d.lines = append(d.lines, strings.TrimSuffix(line, "\r"))
	}
	d.partial = parts[len(parts)-1]
}

// incompleteSuffix returns the index where a trailing, not yet complete
// UTF-8 sequence starts, or len(p) when p ends on a rune boundary.
func incompleteSuffix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
