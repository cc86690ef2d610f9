// Package emlx decodes the Apple Mail .emlx container: a decimal byte count
// on the first line, the RFC 5322 message, then an XML property list that is
// not part of the message.
package emlx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformed reports a container that does not start with a byte count.
var ErrMalformed = errors.New("emlx: malformed container")

const (
	maxPrefixDigits = 19
	readerSize      = 32 * 1024
)

var plistMarker = []byte("<?xml")

// Reader yields the message payload of an emlx container and drops the
// length line and the trailing plist.
type Reader struct {
	src *bufio.Reader

	parsed    bool
	length    int64
	remaining int64
	last      [2]byte
	emitted   int64

	extra []byte
	err   error
}

// NewReader returns a Reader decoding the container read from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReaderSize(r, readerSize)}
}

// Length returns the payload length declared by the container. It is only
// meaningful after the first call to Read returned without ErrMalformed.
func (r *Reader) Length() int64 {
	return r.length
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if !r.parsed {
		if err := r.readPrefix(); err != nil {
			r.err = err
			return 0, err
		}
		r.parsed = true
	}
	if len(p) == 0 {
		return 0, nil
	}

	if r.remaining == 0 {
		if len(r.extra) > 0 {
			n := copy(p, r.extra)
			r.extra = r.extra[n:]
			return n, nil
		}
		r.err = io.EOF
		return 0, io.EOF
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.src.Read(p)
	r.track(p[:n])
	r.remaining -= int64(n)

	if r.remaining == 0 {
		r.correctBoundary()
		return n, nil
	}
	if err == io.EOF {
		r.err = fmt.Errorf("emlx: payload ends after %d of %d bytes: %w", r.emitted, r.length, io.ErrUnexpectedEOF)
		if n > 0 {
			return n, nil
		}
		return 0, r.err
	}
	if err != nil {
		r.err = err
	}
	return n, err
}

func (r *Reader) readPrefix() error {
	var digits []byte
	for {
		b, err := r.src.ReadByte()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: missing byte count", ErrMalformed)
			}
			return err
		}
		if b >= '0' && b <= '9' {
			if len(digits) == maxPrefixDigits {
				return fmt.Errorf("%w: byte count too long", ErrMalformed)
			}
			digits = append(digits, b)
			continue
		}
		if len(digits) == 0 {
			return fmt.Errorf("%w: input does not start with a byte count", ErrMalformed)
		}
		if !isSpace(b) {
			return fmt.Errorf("%w: byte count followed by %q", ErrMalformed, b)
		}
		if b != '\n' {
			if err := r.skipLineEnd(); err != nil {
				return err
			}
		}
		break
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.length = n
	r.remaining = n
	return nil
}

// skipLineEnd consumes blanks up to and including one line feed.
func (r *Reader) skipLineEnd() error {
	for {
		b, err := r.src.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\v', '\f':
		case '\n':
			return nil
		default:
			return r.src.UnreadByte()
		}
	}
}

func (r *Reader) track(b []byte) {
	switch {
	case len(b) >= 2:
		r.last[0], r.last[1] = b[len(b)-2], b[len(b)-1]
	case len(b) == 1:
		r.last[0], r.last[1] = r.last[1], b[0]
	}
	r.emitted += int64(len(b))
}

// correctBoundary appends a dash when the payload ends in a lone "-" right
// before the plist. Some containers cut the closing "--" of the last MIME
// boundary short by one byte.
func (r *Reader) correctBoundary() {
	if r.emitted == 0 || r.last[1] != '-' {
		return
	}
	if r.emitted >= 2 && r.last[0] == '-' {
		return
	}
	next, _ := r.src.Peek(len(plistMarker))
	if bytes.Equal(next, plistMarker) {
		r.extra = []byte{'-'}
	}
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
