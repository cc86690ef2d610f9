// Package rewrite streams a message through go-message's multipart reader
// and writer, splicing externally stored attachment bodies back in.
package rewrite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/emlx-to-eml/attachment"
)

// MarkerHeader flags a part whose body Apple Mail stored in a separate file.
const MarkerHeader = "X-Apple-Content-Length"

var errNoAttachments = errors.New("no attachment source configured")

// Attachments supplies the content of externally stored parts.
type Attachments interface {
	Copy(dst io.Writer, ref attachment.Ref) error
}

// Node is one part of the message as it is discovered.
type Node struct {
	Header message.Header
	// Path holds the one-based index of the part at each multipart level.
	// The root has an empty path.
	Path     []int
	External bool
}

// PartNumber renders Path the way IMAP and Apple Mail do: "1.2", or "1"
// for the root.
func (n Node) PartNumber() string {
	if len(n.Path) == 0 {
		return "1"
	}
	parts := make([]string, len(n.Path))
	for i, p := range n.Path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

// ContentType returns the media type, "text/plain" when absent.
func (n Node) ContentType() string {
	t, _, err := n.Header.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return t
}

// Filename returns the Content-Disposition filename, falling back to the
// Content-Type name parameter.
func (n Node) Filename() string {
	if _, params, err := n.Header.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := n.Header.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// Ref returns the attachment reference for the node.
func (n Node) Ref() attachment.Ref {
	return attachment.Ref{Filename: n.Filename(), PartNumber: n.PartNumber()}
}

// Rewriter converts one message. It is not safe for concurrent use and
// collects warnings for a single message.
type Rewriter struct {
	Attachments   Attachments
	ErrorTolerant bool
	// Accept, if set, sees the top-level header before anything is written.
	Accept func(textproto.Header) error
	// Visit, if set, is called for every node in discovery order.
	Visit  func(Node)
	Logger *slog.Logger

	out      *sinkWriter
	warnings []string
}

// Warnings returns the attachment failures recorded in error-tolerant mode.
func (rw *Rewriter) Warnings() []string {
	return rw.warnings
}

// Rewrite reads a message from src and writes the rewritten message to dst.
func (rw *Rewriter) Rewrite(dst io.Writer, src io.Reader) error {
	br := bufio.NewReader(src)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("read message header: %w", err)
	}
	if rw.Accept != nil {
		if err := rw.Accept(h); err != nil {
			return err
		}
	}

	rw.out = &sinkWriter{w: dst}
	err = rw.node(h, br, nil, func(h textproto.Header) (io.Writer, error) {
		return rw.out, textproto.WriteHeader(rw.out, h)
	})
	if rw.out.err != nil {
		return fmt.Errorf("write message: %w", rw.out.err)
	}
	return err
}

func (rw *Rewriter) node(h textproto.Header, body io.Reader, path []int, create func(textproto.Header) (io.Writer, error)) error {
	n := Node{Header: message.Header{Header: h}, Path: path, External: h.Has(MarkerHeader)}
	if n.External {
		n.Header.Del(MarkerHeader)
	}
	if rw.Visit != nil {
		rw.Visit(n)
	}

	w, err := create(n.Header.Header)
	if err != nil {
		return fmt.Errorf("write header of part %s: %w", n.PartNumber(), err)
	}

	if n.External {
		return rw.splice(w, n, body)
	}

	t, params, err := n.Header.ContentType()
	if err == nil && strings.HasPrefix(t, "multipart/") && params["boundary"] != "" {
		return rw.multipart(w, params["boundary"], body, path)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("copy part %s: %w", n.PartNumber(), err)
	}
	return nil
}

func (rw *Rewriter) multipart(w io.Writer, boundary string, body io.Reader, path []int) error {
	mr := textproto.NewMultipartReader(body, boundary)
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return fmt.Errorf("boundary %q: %w", boundary, err)
	}

	for i := 1; ; i++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read part %d of %q: %w", i, boundary, err)
		}

		child := make([]int, len(path)+1)
		copy(child, path)
		child[len(path)] = i

		if err := rw.node(p.Header, p, child, mw.CreatePart); err != nil {
			return err
		}
	}

	return mw.Close()
}

// splice replaces the body of an external node with the attachment file.
// The original body is drained first so the multipart reader can move on.
func (rw *Rewriter) splice(w io.Writer, n Node, body io.Reader) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("drain part %s: %w", n.PartNumber(), err)
	}

	var err error
	enc := newTransferEncoder(w, n.Header.Get("Content-Transfer-Encoding"))
	if rw.Attachments == nil {
		err = errNoAttachments
	} else {
		err = rw.Attachments.Copy(enc, n.Ref())
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		return nil
	}

	if !rw.ErrorTolerant || rw.out.err != nil {
		return fmt.Errorf("part %s: %w", n.PartNumber(), err)
	}

	msg := fmt.Sprintf("part %s: %v", n.PartNumber(), err)
	rw.warnings = append(rw.warnings, msg)
	if rw.Logger != nil {
		rw.Logger.Warn("attachment left empty", "part", n.PartNumber(), "err", err)
	}
	return nil
}

// sinkWriter remembers the first error of the output so that failures of
// the destination are never mistaken for attachment failures.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
