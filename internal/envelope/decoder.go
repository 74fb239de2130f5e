package envelope

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const DefaultMaxLineBytes = 1 << 20

// Decoder reads envelopes from a worker stream one line at a time. Partial
// reads are buffered until the line terminator arrives, so an envelope split
// across writes is decoded whole.
type Decoder struct {
	r    *bufio.Reader
	max  int
	line int
}

func NewDecoder(r io.Reader, maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: maxLineBytes}
}

// Next returns the next envelope. A *ParseError covers a single bad line and
// the caller may keep calling Next. io.EOF marks the end of the stream.
func (d *Decoder) Next() (Envelope, error) {
	line, err := d.ReadLine()
	if err != nil {
		return Envelope{}, err
	}
	env, err := Parse(line)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Line = d.line
		}
		return Envelope{}, err
	}
	return env, nil
}

// ReadLine returns the next raw line without its terminator. Lines longer
// than the limit are skipped and reported as a *ParseError.
func (d *Decoder) ReadLine() (string, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > d.max+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if errors.Is(err, io.EOF) && len(buf) == 0 && !tooLong {
			return "", io.EOF
		}

		d.line++
		if tooLong {
			return "", &ParseError{Line: d.line, Reason: fmt.Sprintf("line exceeds %d bytes", d.max)}
		}
		return string(trimEOL(buf)), nil
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
