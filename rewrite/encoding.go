package rewrite

import (
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"
)

const base64LineLength = 76

var crlf = []byte("\r\n")

// newTransferEncoder returns a writer encoding raw attachment bytes for a
// part declaring the given Content-Transfer-Encoding. Unknown or identity
// encodings pass bytes through.
func newTransferEncoder(w io.Writer, cte string) io.WriteCloser {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		return base64.NewEncoder(base64.StdEncoding, &lineWriter{w: w, every: base64LineLength})
	case "quoted-printable":
		return quotedprintable.NewWriter(w)
	}
	return nopCloser{w}
}

// lineWriter breaks its output into CRLF terminated lines. The column is
// carried across writes, so line length does not depend on how the encoder
// chunks its output. No break is written after the last line; the enclosing
// multipart delimiter starts with one.
type lineWriter struct {
	w     io.Writer
	every int
	col   int
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		if lw.col == lw.every {
			if _, err := lw.w.Write(crlf); err != nil {
				return n, err
			}
			lw.col = 0
		}
		chunk := lw.every - lw.col
		if chunk > len(p) {
			chunk = len(p)
		}
		m, err := lw.w.Write(p[:chunk])
		n += m
		lw.col += m
		if err != nil {
			return n, err
		}
		p = p[chunk:]
	}
	return n, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
