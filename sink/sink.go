// Package sink receives converted messages. An Output is committed only
// after its conversion succeeded; a discarded Output leaves no trace.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/emlx-to-eml/model"
)

// Output is the destination of one converted message.
type Output interface {
	io.Writer
	Commit() error
	Discard() error
}

// Sink hands out an Output per job.
type Sink interface {
	Create(job model.Job) (Output, error)
	Close() error
}

// OutputName maps a container path to the .eml name written for it.
func OutputName(rel string) string {
	lower := strings.ToLower(rel)
	for _, ext := range []string{".partial.emlx", ".emlx"} {
		if strings.HasSuffix(lower, ext) {
			return rel[:len(rel)-len(ext)] + ".eml"
		}
	}
	return rel + ".eml"
}

// Dir writes one .eml file per job below a root directory, mirroring the
// input tree. Files appear under their final name only on Commit.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Create(job model.Job) (Output, error) {
	target := filepath.Join(d.root, OutputName(filepath.FromSlash(job.RelPath)))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	file, err := os.CreateTemp(dir, ".emlx-to-eml-*")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &fileOutput{file: file, w: bufio.NewWriterSize(file, 64*1024), target: target}, nil
}

func (d *Dir) Close() error {
	return nil
}

type fileOutput struct {
	file   *os.File
	w      *bufio.Writer
	target string
}

func (f *fileOutput) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *fileOutput) Commit() error {
	if err := f.w.Flush(); err != nil {
		_ = f.Discard()
		return fmt.Errorf("flush %s: %w", f.target, err)
	}
	if err := f.file.Close(); err != nil {
		_ = os.Remove(f.file.Name())
		return fmt.Errorf("close %s: %w", f.target, err)
	}
	if err := os.Rename(f.file.Name(), f.target); err != nil {
		_ = os.Remove(f.file.Name())
		return fmt.Errorf("rename to %s: %w", f.target, err)
	}
	return nil
}

func (f *fileOutput) Discard() error {
	_ = f.file.Close()
	if err := os.Remove(f.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Discard drops every message; it backs dry runs.
type Discard struct{}

func (Discard) Create(model.Job) (Output, error) { return discardOutput{}, nil }
func (Discard) Close() error                     { return nil }

type discardOutput struct{}

func (discardOutput) Write(p []byte) (int, error) { return len(p), nil }
func (discardOutput) Commit() error               { return nil }
func (discardOutput) Discard() error              { return nil }
