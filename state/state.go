// Package state keeps a journal of containers already delivered to a
// destination so that an interrupted or repeated batch can resume.
//
// Entries are scoped by destination: converting the same input into a new
// output directory, mbox file or IMAP folder starts from scratch. Files
// that were converted with warnings are journaled but never count as done,
// so a later run retries them.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// journalFile is the name of the journal inside the state directory.
const journalFile = "converted.jsonl"

// Record is one journal line.
type Record struct {
	Destination string    `json:"destination"`
	Key         string    `json:"key"`
	File        string    `json:"file"`
	Warnings    int       `json:"warnings,omitempty"`
	ConvertedAt time.Time `json:"convertedAt"`
}

// Complete reports whether the record marks a file that needs no retry.
func (r Record) Complete() bool {
	return r.Key != "" && r.Warnings == 0
}

// Tracker answers whether a container was already delivered to a
// destination and records new deliveries.
type Tracker interface {
	Done(destination, key string) bool
	Record(rec Record) error
	Close() error
}

type entry struct {
	destination string
	key         string
}

// Memory is a Tracker without persistence.
type Memory struct {
	mu   sync.RWMutex
	done map[entry]struct{}
}

func NewMemory() *Memory {
	return &Memory{done: make(map[entry]struct{})}
}

func (m *Memory) Done(destination, key string) bool {
	if key == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.done[entry{destination, key}]
	return ok
}

func (m *Memory) Record(rec Record) error {
	m.apply(rec)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Len returns the number of completed entries over all destinations.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.done)
}

// apply adds a complete record and reports whether it was new.
func (m *Memory) apply(rec Record) bool {
	if !rec.Complete() {
		return false
	}
	e := entry{rec.Destination, rec.Key}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.done[e]; ok {
		return false
	}
	m.done[e] = struct{}{}
	return true
}

// Journal is a Tracker backed by an append-only JSON lines file.
type Journal struct {
	mem  *Memory
	path string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// Open loads the journal in stateDir. With persist false new records are
// kept in memory only.
func Open(stateDir string, persist bool) (*Journal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	j := &Journal{mem: NewMemory(), path: filepath.Join(stateDir, journalFile)}
	if err := j.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.file = file
		j.buf = bufio.NewWriter(file)
		j.enc = json.NewEncoder(j.buf)
	}
	return j, nil
}

func (j *Journal) load() error {
	file, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for n := 1; ; n++ {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("journal record %d: %w", n, err)
		}
		j.mem.apply(rec)
	}
}

func (j *Journal) Done(destination, key string) bool {
	return j.mem.Done(destination, key)
}

// Record journals rec. Records with warnings are written for reference
// but leave the file open for retry.
func (j *Journal) Record(rec Record) error {
	if rec.Key == "" {
		return nil
	}
	if rec.ConvertedAt.IsZero() {
		rec.ConvertedAt = time.Now().UTC()
	}
	if !j.mem.apply(rec) && rec.Complete() {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil {
		return nil
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

// Len returns the number of completed entries.
func (j *Journal) Len() int {
	return j.mem.Len()
}

// Close flushes and closes the journal. It may be called more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}

	err := j.buf.Flush()
	if serr := j.file.Sync(); err == nil {
		err = serr
	}
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file, j.buf, j.enc = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
