// Package convert turns one .emlx container into an .eml message and runs
// those conversions as pipeline workers.
package convert

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/emlx-to-eml/attachment"
	"github.com/dhcgn/emlx-to-eml/emlx"
	"github.com/dhcgn/emlx-to-eml/filter"
	"github.com/dhcgn/emlx-to-eml/rewrite"
)

// ErrFiltered is returned when the header filter rejects a message.
var ErrFiltered = errors.New("message excluded by header filter")

type Options struct {
	ErrorTolerant bool
	Layout        attachment.Layout
	Filter        *filter.Filter
	Logger        *slog.Logger
}

// Converter is safe for concurrent use; every call builds its own
// rewriter and resolver.
type Converter struct {
	opts Options
}

func New(opts Options) *Converter {
	return &Converter{opts: opts}
}

// Convert writes the message stored in the container at inputPath to w.
// In error-tolerant mode attachments that cannot be resolved are reported
// as warnings instead of failing the file.
func (c *Converter) Convert(inputPath string, w io.Writer) ([]string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer f.Close()

	logger := c.fileLogger(inputPath)
	rw := &rewrite.Rewriter{
		Attachments:   attachment.NewResolver(inputPath, c.opts.Layout, logger),
		ErrorTolerant: c.opts.ErrorTolerant,
		Accept:        c.accept,
		Logger:        logger,
	}
	if err := rw.Rewrite(w, emlx.NewReader(f)); err != nil {
		return nil, fmt.Errorf("convert %s: %w", inputPath, err)
	}
	return rw.Warnings(), nil
}

// fileLogger tags every record with the container being read.
func (c *Converter) fileLogger(inputPath string) *slog.Logger {
	if c.opts.Logger == nil {
		return nil
	}
	return c.opts.Logger.With("file", inputPath)
}

func (c *Converter) accept(h textproto.Header) error {
	if c.opts.Filter.AllowsHeader(h) {
		return nil
	}
	return ErrFiltered
}

// Part describes one node of a message for Inspect.
type Part struct {
	Number      string
	Depth       int
	ContentType string
	External    bool
	Filename    string
	// Location is the resolved attachment file of an external part, empty
	// when it cannot be found.
	Location string
}

// Report is the structure of one container as seen by Inspect.
type Report struct {
	Path   string
	Length int64
	Parts  []Part
}

// Inspect walks the container at inputPath without writing anything and
// reports its parts and where their attachments would be read from.
func (c *Converter) Inspect(inputPath string) (Report, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return Report{}, fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer f.Close()

	logger := c.fileLogger(inputPath)
	resolver := attachment.NewResolver(inputPath, c.opts.Layout, logger)
	report := Report{Path: inputPath}

	rw := &rewrite.Rewriter{
		ErrorTolerant: true,
		Logger:        logger,
		Visit: func(n rewrite.Node) {
			part := Part{
				Number:      n.PartNumber(),
				Depth:       len(n.Path),
				ContentType: n.ContentType(),
				External:    n.External,
				Filename:    n.Filename(),
			}
			if n.External {
				if loc, err := resolver.Locate(n.Ref()); err == nil {
					part.Location = loc
				}
			}
			report.Parts = append(report.Parts, part)
		},
	}

	payload := emlx.NewReader(f)
	if err := rw.Rewrite(io.Discard, payload); err != nil {
		return Report{}, fmt.Errorf("inspect %s: %w", inputPath, err)
	}
	report.Length = payload.Length()
	return report, nil
}
