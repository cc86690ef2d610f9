package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// DeliverFunc consumes a spooled message of the given size. r is
// positioned at the start of the message.
type DeliverFunc func(r io.ReadSeeker, size int64) error

// Spool buffers a message in a temporary file and hands it to a
// DeliverFunc on Commit. Sinks that need the full message, or its size,
// before they can accept it build on Spool.
type Spool struct {
	file    *os.File
	w       *bufio.Writer
	deliver DeliverFunc
}

func NewSpool(deliver DeliverFunc) (*Spool, error) {
	file, err := os.CreateTemp("", "emlx-to-eml-*.eml")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &Spool{file: file, w: bufio.NewWriterSize(file, 64*1024), deliver: deliver}, nil
}

func (s *Spool) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *Spool) Commit() error {
	defer s.Discard()

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush spool: %w", err)
	}
	size, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("spool size: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	return s.deliver(s.file, size)
}

func (s *Spool) Discard() error {
	_ = s.file.Close()
	if err := os.Remove(s.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Envelope holds what mbox separators and IMAP APPEND need to know about
// a message.
type Envelope struct {
	From string
	Date time.Time
}

// ReadEnvelope parses the header block at the start of r. Missing or
// unparsable fields are left zero.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return Envelope{}, fmt.Errorf("read header: %w", err)
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	var env Envelope
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		env.From = addrs[0].Address
	}
	if date, err := mh.Date(); err == nil {
		env.Date = date
	}
	return env, nil
}
