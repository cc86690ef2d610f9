package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/dhcgn/emlx-to-eml/model"
)

// defaultSender fills the separator line of messages without a From
// address, as mail(1) does.
const defaultSender = "MAILER-DAEMON"

// Mbox appends every committed message to a single mbox file. A message
// that fails halfway is cut off again, so the file only ever holds whole
// messages.
type Mbox struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

func NewMbox(path string) (*Mbox, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat mbox: %w", err)
	}
	return &Mbox{file: file, size: info.Size()}, nil
}

func (m *Mbox) Create(model.Job) (Output, error) {
	return NewSpool(m.deliver)
}

func (m *Mbox) deliver(r io.ReadSeeker, _ int64) error {
	env, err := ReadEnvelope(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}

	from := env.From
	if from == "" {
		from = defaultSender
	}
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.append(r, from, date)
	if err != nil {
		if terr := m.file.Truncate(m.size); terr != nil {
			return fmt.Errorf("%w (truncate mbox: %v)", err, terr)
		}
		return err
	}
	m.size += n
	return nil
}

// append writes one complete message and reports how many bytes reached
// the file.
func (m *Mbox) append(r io.Reader, from string, date time.Time) (int64, error) {
	cw := &countingWriter{w: m.file}
	buf := bufio.NewWriterSize(cw, 64*1024)
	mw := mbox.NewWriter(buf)

	w, err := mw.CreateMessage(from, date)
	if err != nil {
		return cw.n, fmt.Errorf("mbox message: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return cw.n, fmt.Errorf("mbox write: %w", err)
	}
	if err := mw.Close(); err != nil {
		return cw.n, fmt.Errorf("mbox message: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return cw.n, fmt.Errorf("mbox write: %w", err)
	}
	return cw.n, nil
}

func (m *Mbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close mbox: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
