// Package attachment locates the files Apple Mail keeps outside an .emlx
// container and copies their content back into a converted message.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("attachment not found")

// hiddenEntry is never a candidate for the directory fallback.
const hiddenEntry = ".DS_Store"

// Layout selects where attachment files live relative to the container.
type Layout string

const (
	// LayoutSibling looks next to the container file.
	LayoutSibling Layout = "sibling"
	// LayoutApple follows Apple Mail's Attachments/<message>/<part>/ tree.
	LayoutApple Layout = "apple"
)

// ParseLayout maps a flag value to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutSibling:
		return LayoutSibling, nil
	case LayoutApple:
		return LayoutApple, nil
	}
	return "", fmt.Errorf("unknown attachment layout %q", s)
}

// Ref identifies the externally stored body of one message part.
type Ref struct {
	// Filename as recorded in the part's Content-Disposition or
	// Content-Type parameters, possibly empty.
	Filename string
	// PartNumber in dotted form, e.g. "1.2".
	PartNumber string
}

// NotFoundError reports that no candidate file could be read.
type NotFoundError struct {
	Dir        string
	PartNumber string
	Candidates []string
}

func (e *NotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("attachment for part %s not found in %s: no filename candidates", e.PartNumber, e.Dir)
	}
	return fmt.Sprintf("attachment for part %s not found in %s, tried: %s", e.PartNumber, e.Dir, strings.Join(e.Candidates, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Resolver resolves attachment references for a single container file.
type Resolver struct {
	container string
	layout    Layout
	logger    *slog.Logger
}

// NewResolver returns a Resolver for the container at containerPath.
func NewResolver(containerPath string, layout Layout, logger *slog.Logger) *Resolver {
	if layout == "" {
		layout = LayoutSibling
	}
	return &Resolver{
		container: containerPath,
		layout:    layout,
		logger:    logger,
	}
}

// Dir returns the directory searched for ref.
func (r *Resolver) Dir(ref Ref) string {
	dir := filepath.Dir(r.container)
	if r.layout != LayoutApple {
		return dir
	}
	base := filepath.Base(r.container)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	part := ref.PartNumber
	if part == "" {
		part = "1"
	}
	return filepath.Join(dir, "..", "Attachments", base, part)
}

// Copy writes the content of the first readable candidate file to dst.
//
// A candidate that cannot be opened, or fails before any byte reached dst,
// is skipped. A failure after bytes were written is returned as is, since
// those bytes cannot be taken back.
func (r *Resolver) Copy(dst io.Writer, ref Ref) error {
	dir := r.Dir(ref)
	var tried []string

	try := func(name string) (bool, error) {
		tried = append(tried, name)
		for _, variant := range variants(name) {
			done, err := r.copyFile(dst, filepath.Join(dir, variant))
			if done || err != nil {
				return done, err
			}
		}
		return false, nil
	}

	if name := explicitName(ref.Filename); name != "" {
		done, err := try(name)
		if done || err != nil {
			return err
		}
	}
	if name := r.soleEntry(dir); name != "" && !contains(tried, name) {
		done, err := try(name)
		if done || err != nil {
			return err
		}
	}

	return &NotFoundError{Dir: dir, PartNumber: ref.PartNumber, Candidates: tried}
}

// Locate returns the path Copy would read, without reading it.
func (r *Resolver) Locate(ref Ref) (string, error) {
	dir := r.Dir(ref)
	var tried []string

	check := func(name string) string {
		tried = append(tried, name)
		for _, variant := range variants(name) {
			path := filepath.Join(dir, variant)
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				return path
			}
		}
		return ""
	}

	if name := explicitName(ref.Filename); name != "" {
		if path := check(name); path != "" {
			return path, nil
		}
	}
	if name := r.soleEntry(dir); name != "" && !contains(tried, name) {
		if path := check(name); path != "" {
			return path, nil
		}
	}

	return "", &NotFoundError{Dir: dir, PartNumber: ref.PartNumber, Candidates: tried}
}

// copyFile reports done once path was copied in full. A nil error with
// done false means the file was unusable and nothing was written.
func (r *Resolver) copyFile(dst io.Writer, path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		r.debug("attachment candidate unavailable", "path", path, "err", err)
		return false, nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		r.debug("attachment candidate is not a regular file", "path", path, "err", err)
		return false, nil
	}

	cw := &countingWriter{w: dst}
	if _, err := io.Copy(cw, file); err != nil {
		if cw.n == 0 && !cw.failed {
			r.debug("attachment candidate unreadable", "path", path, "err", err)
			return false, nil
		}
		return false, fmt.Errorf("copy attachment %s: %w", path, err)
	}

	r.debug("attachment copied", "path", path, "bytes", cw.n)
	return true, nil
}

// soleEntry returns the only usable entry of dir, or "" when there is
// none or more than one.
func (r *Resolver) soleEntry(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.debug("attachment directory unreadable", "dir", dir, "err", err)
		return ""
	}

	self := filepath.Base(r.container)
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if name == hiddenEntry || entry.IsDir() {
			continue
		}
		if r.layout == LayoutSibling && name == self {
			continue
		}
		names = append(names, name)
	}

	if len(names) != 1 {
		r.debug("attachment directory ambiguous", "dir", dir, "entries", len(names))
		return ""
	}
	return names[0]
}

func (r *Resolver) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

// explicitName strips any directory part from a recorded filename.
func explicitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// variants returns name followed by its decomposed and composed forms.
// HFS+ stores file names decomposed while mail headers usually carry the
// composed form.
func variants(name string) []string {
	out := []string{name}
	for _, form := range []norm.Form{norm.NFD, norm.NFC} {
		if v := form.String(name); !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type countingWriter struct {
	w      io.Writer
	n      int64
	failed bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		c.failed = true
	}
	return n, err
}
