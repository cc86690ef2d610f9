package cmd

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const message = `Subject: report
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

see attached
--b
Content-Type: application/pdf; name="q3.pdf"
X-Apple-Content-Length: 4


--b--
`

func writeContainer(t *testing.T, path, payload string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := fmt.Sprintf("%d\n%s<?xml version=\"1.0\"?><plist/>", len(payload), payload)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	pterm.DisableColor()

	root := &cobra.Command{Use: "emlx-to-eml"}
	Register(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"inspect"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestInspect_Directory(t *testing.T) {
	dir := t.TempDir()
	writeContainer(t, filepath.Join(dir, "Messages", "1.emlx"), message)
	writeFile := filepath.Join(dir, "Messages", "q3.pdf")
	require.NoError(t, os.WriteFile(writeFile, []byte("%PDF"), 0o644))
	report := filepath.Join(dir, "report", "parts.csv")

	out, err := execute(t, "--csv", report, dir)
	require.NoError(t, err)

	assert.Contains(t, out, fmt.Sprintf("(%d bytes)", len(message)))
	assert.Contains(t, out, `2 application/pdf "q3.pdf" <- `+writeFile)
	assert.Contains(t, out, "Inspected 1 containers (0 failed)")
	assert.Contains(t, out, "1. ")

	f, err := os.Open(report)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"File", "Part", "ContentType", "External", "Filename", "Location"}, rows[0])
	assert.Equal(t, "true", rows[3][3])
	assert.Equal(t, writeFile, rows[3][5])
}

func TestInspect_MissingAttachmentAndBrokenFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a", "1.emlx")
	writeContainer(t, good, message)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "x.bin"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "y.bin"), nil, 0o644))
	bad := filepath.Join(dir, "b", "2.emlx")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o755))
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))

	out, err := execute(t, "--csv", "", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 containers")
	assert.Contains(t, out, `"q3.pdf" <- missing`)
	assert.Contains(t, out, "malformed")
}

func TestInspect_RejectsUnknownLayout(t *testing.T) {
	_, err := execute(t, "--layout", "flat", "--csv", "", t.TempDir())
	assert.Error(t, err)

	layout = "sibling"
}
