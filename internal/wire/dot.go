// Package wire prepares message bodies for the SMTP DATA phase.
//
// Receivers disagree on what ends a line. Some accept a bare LF or a bare CR
// as a line terminator, so a body containing "\n.\r\n" can end the DATA phase
// early on one hop and smuggle a second transaction on the next. The encoder
// therefore treats CRLF, bare CR and bare LF all as line terminators, rewrites
// each of them to CRLF and dot-stuffs every line that starts with '.'.
package wire

import (
	"bytes"
	"errors"
	"io"
)

// Terminator is the end-of-data sequence written after an encoded body.
var Terminator = []byte(".\r\n")

var crlf = []byte("\r\n")

// ErrClosed is returned by Encoder.Write after Close.
var ErrClosed = errors.New("wire: write to closed encoder")

// Encode returns body with every line terminator normalized to CRLF and every
// line that begins with '.' prefixed with an extra '.'. A trailing partial
// line is stuffed like any other line but is not terminated.
func Encode(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(body)/64+8)
	bol := true
	for i := 0; i < len(body); i++ {
		switch b := body[i]; b {
		case '\r':
			if i+1 < len(body) && body[i+1] == '\n' {
				i++
			}
			out = append(out, crlf...)
			bol = true
		case '\n':
			out = append(out, crlf...)
			bol = true
		default:
			if bol && b == '.' {
				out = append(out, '.')
			}
			out = append(out, b)
			bol = false
		}
	}
	return out
}

// Normalize rewrites bare CR and bare LF to CRLF without stuffing.
func Normalize(body []byte) []byte {
	out := make([]byte, 0, len(body)+8)
	for i := 0; i < len(body); i++ {
		switch b := body[i]; b {
		case '\r':
			if i+1 < len(body) && body[i+1] == '\n' {
				i++
			}
			out = append(out, crlf...)
		case '\n':
			out = append(out, crlf...)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Decode reverses Encode: one leading '.' is removed from every line that
// starts with "..". The input must already use CRLF line endings.
func Decode(encoded []byte) []byte {
	out := make([]byte, 0, len(encoded))
	bol := true
	for i := 0; i < len(encoded); i++ {
		b := encoded[i]
		if bol && b == '.' && i+1 < len(encoded) && encoded[i+1] == '.' {
			i++
			b = encoded[i]
		}
		out = append(out, b)
		bol = b == '\n'
	}
	return out
}

// IsTerminator reports whether window is an end-of-data line under the most
// liberal reading: an optional leading CRLF, CR or LF, then '.', then exactly
// one CRLF, CR or LF.
func IsTerminator(window []byte) bool {
	w := window
	switch {
	case bytes.HasPrefix(w, crlf):
		w = w[2:]
	case len(w) > 0 && (w[0] == '\r' || w[0] == '\n'):
		w = w[1:]
	}
	if len(w) < 2 || w[0] != '.' {
		return false
	}
	switch rest := w[1:]; {
	case bytes.Equal(rest, crlf):
		return true
	case len(rest) == 1 && (rest[0] == '\r' || rest[0] == '\n'):
		return true
	}
	return false
}

// FindTerminator returns the offset of the first line consisting of a single
// '.' when CR, LF and CRLF are all accepted as line terminators, or -1 when
// the stream contains none.
func FindTerminator(stream []byte) int {
	bol := true
	for i := 0; i < len(stream); i++ {
		b := stream[i]
		if bol && b == '.' && i+1 < len(stream) && (stream[i+1] == '\r' || stream[i+1] == '\n') {
			return i
		}
		bol = b == '\r' || b == '\n'
	}
	return -1
}

// Encoder streams the Encode transformation to an underlying writer and
// finishes the DATA phase on Close. Chunk boundaries may fall anywhere,
// including between the CR and LF of a CRLF pair.
type Encoder struct {
	w         io.Writer
	bol       bool
	pendingCR bool
	closed    bool
	buf       []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, bol: true}
}

// Write encodes p. The returned count refers to bytes consumed from p.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	e.buf = e.buf[:0]
	for _, b := range p {
		if e.pendingCR {
			e.pendingCR = false
			e.buf = append(e.buf, crlf...)
			e.bol = true
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\r':
			e.pendingCR = true
		case '\n':
			e.buf = append(e.buf, crlf...)
			e.bol = true
		default:
			if e.bol && b == '.' {
				e.buf = append(e.buf, '.')
			}
			e.buf = append(e.buf, b)
			e.bol = false
		}
	}
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes a pending CR, terminates a partial last line and writes the
// end-of-data sequence. It does not close the underlying writer.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	tail := make([]byte, 0, 5)
	if e.pendingCR {
		tail = append(tail, crlf...)
		e.bol = true
	}
	if !e.bol {
		tail = append(tail, crlf...)
	}
	tail = append(tail, Terminator...)
	_, err := e.w.Write(tail)
	return err
}
