// Package scan walks an input tree and feeds every .emlx container it
// finds into the runner.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/emlx-to-eml/model"
	"github.com/dhcgn/emlx-to-eml/runner"
)

type Options struct {
	Root string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("input directory is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("input directory: %w", err)
	}
	return &dirReader{root: abs, logger: logger}, nil
}

// IsContainer reports whether name looks like an Apple Mail message file.
// Partial containers (".partial.emlx") are included.
func IsContainer(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".emlx")
}

type dirReader struct {
	root   string
	logger *slog.Logger
}

// Stream emits jobs in lexical path order. Unreadable entries become
// envelope errors; the walk goes on.
func (d *dirReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	return filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == d.root {
				return fmt.Errorf("walk %s: %w", d.root, err)
			}
			return d.emitError(ctx, out, fmt.Errorf("walk %s: %w", path, err))
		}
		if entry.IsDir() || !IsContainer(entry.Name()) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return d.emitError(ctx, out, fmt.Errorf("stat %s: %w", path, err))
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return d.emitError(ctx, out, fmt.Errorf("relative path of %s: %w", path, err))
		}
		rel = filepath.ToSlash(rel)

		job := model.Job{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		job.Key = jobKey(d.root, job)
		return emit(ctx, out, model.Envelope{Job: job})
	})
}

func (d *dirReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if d.logger != nil {
		d.logger.Error("scan error", "root", d.root, "err", err)
	}
	return emit(ctx, out, model.Envelope{Err: err})
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// jobKey identifies a container by input root, location, size and
// modification time so that an edited file is converted again.
func jobKey(root string, job model.Job) string {
	h := sha256.New()
	h.Write([]byte(root))
	h.Write([]byte{0})
	h.Write([]byte(job.RelPath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(job.Size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(job.ModTime.UnixNano(), 10)))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Count returns the number of containers below root.
func Count(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !entry.IsDir() && IsContainer(entry.Name()) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count containers: %w", err)
	}
	return count, nil
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("scan", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseScan()
	return p.reader.Stream(ctx, p.runner.ScanWriter())
}
