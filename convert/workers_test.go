package convert

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/emlx-to-eml/config"
	"github.com/dhcgn/emlx-to-eml/runner"
	"github.com/dhcgn/emlx-to-eml/scan"
	"github.com/dhcgn/emlx-to-eml/sink"
	"github.com/dhcgn/emlx-to-eml/state"
	"github.com/dhcgn/emlx-to-eml/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type batch struct {
	cfg     config.Config
	tracker state.Tracker
	sink    sink.Sink
	workers int
}

func (b batch) run(t *testing.T) (stats.Summary, error) {
	t.Helper()
	logger := discardLogger()
	workers := b.workers
	if workers == 0 {
		workers = 1
	}

	var r *runner.Runner
	switch {
	case b.tracker != nil:
		r = runner.NewWithTracker(b.cfg, b.tracker, logger)
	case b.cfg.StateDir != "":
		var err error
		r, err = runner.New(b.cfg, logger)
		require.NoError(t, err)
	default:
		r = runner.NewWithTracker(b.cfg, state.NewMemory(), logger)
	}
	reporter := stats.NewReporter(r, logger)
	conv := New(Options{ErrorTolerant: b.cfg.ErrorTolerant, Logger: logger})
	_, err := NewWorkers(conv, workers, b.sink, r, logger)
	require.NoError(t, err)
	_, err = scan.NewProducer(scan.Options{Root: b.cfg.InputDir}, r, logger)
	require.NoError(t, err)

	err = r.Start()
	return reporter.Summary(), err
}

func inputTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "1.emlx"), container(plainMessage))
	writeFile(t, filepath.Join(root, "b", "2.emlx"), container(mixedMessage))
	return root
}

func dirSink(t *testing.T) (*sink.Dir, string) {
	t.Helper()
	out := t.TempDir()
	d, err := sink.NewDir(out)
	require.NoError(t, err)
	return d, out
}

func TestWorkers_StrictStopsOnMissingAttachment(t *testing.T) {
	in := inputTree(t)
	d, out := dirSink(t)

	_, err := batch{cfg: config.Config{InputDir: in}, sink: d}.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attachment for part 2 not found")

	_, err = os.Stat(filepath.Join(out, "a", "1.eml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "b", "2.eml"))
	assert.True(t, os.IsNotExist(err), "failed conversion leaves no output")
}

func TestWorkers_ErrorTolerantContinues(t *testing.T) {
	in := inputTree(t)
	writeFile(t, filepath.Join(in, "c", "3.emlx"), "not a container")
	d, out := dirSink(t)

	summary, err := batch{cfg: config.Config{InputDir: in, ErrorTolerant: true}, sink: d, workers: 2}.run(t)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Converted)
	assert.Equal(t, 2, summary.Warnings)
	assert.Equal(t, 1, summary.Errors)

	got, err := os.ReadFile(filepath.Join(out, "a", "1.eml"))
	require.NoError(t, err)
	assert.Equal(t, plainMessage, string(got))

	_, err = os.Stat(filepath.Join(out, "b", "2.eml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "c", "3.eml"))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkers_SkipsConvertedFiles(t *testing.T) {
	in := inputTree(t)
	d, out := dirSink(t)
	cfg := config.Config{InputDir: in, OutputDir: out, ErrorTolerant: true, StateDir: t.TempDir()}

	first, err := batch{cfg: cfg, sink: d}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Converted)

	// b/2.emlx had missing attachments and is tried again
	second, err := batch{cfg: cfg, sink: d}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Converted)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 2, second.Warnings)
}

func TestWorkers_RetriesFilesWithWarnings(t *testing.T) {
	in := inputTree(t)
	d, out := dirSink(t)
	cfg := config.Config{InputDir: in, OutputDir: out, ErrorTolerant: true, StateDir: t.TempDir()}

	first, err := batch{cfg: cfg, sink: d}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Warnings)

	writeFile(t, filepath.Join(in, "b", "report.bin"), "\x01\x02\x03\x04")
	writeFile(t, filepath.Join(in, "b", "missing.txt"), "abc")

	second, err := batch{cfg: cfg, sink: d}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Converted)
	assert.Equal(t, 0, second.Warnings)

	got, err := os.ReadFile(filepath.Join(out, "b", "2.eml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "\x01\x02\x03\x04", "abc"}, bodies(t, got))

	third, err := batch{cfg: cfg, sink: d}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Converted)
	assert.Equal(t, 2, third.Duplicates)
}

func TestWorkers_NewDestinationConvertsAgain(t *testing.T) {
	in := inputTree(t)
	writeFile(t, filepath.Join(in, "b", "report.bin"), "r")
	writeFile(t, filepath.Join(in, "b", "missing.txt"), "m")
	stateDir := t.TempDir()

	for _, name := range []string{"first", "second"} {
		d, out := dirSink(t)
		cfg := config.Config{InputDir: in, OutputDir: out, StateDir: stateDir}

		summary, err := batch{cfg: cfg, sink: d}.run(t)
		require.NoError(t, err, name)
		assert.Equal(t, 2, summary.Converted, name)
		assert.Equal(t, 0, summary.Duplicates, name)

		for _, rel := range []string{"a/1.eml", "b/2.eml"} {
			_, err := os.Stat(filepath.Join(out, filepath.FromSlash(rel)))
			assert.NoError(t, err, "%s: %s", name, rel)
		}
	}
}

func TestWorkers_DryRun(t *testing.T) {
	in := inputTree(t)

	summary, err := batch{cfg: config.Config{InputDir: in, ErrorTolerant: true, DryRun: true}, sink: sink.Discard{}}.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DryRunConverted)
	assert.Equal(t, 0, summary.Converted)
}

func TestNewWorkers_Validates(t *testing.T) {
	r := runner.NewWithTracker(config.Config{}, state.NewMemory(), discardLogger())
	conv := New(Options{})

	_, err := NewWorkers(conv, 0, sink.Discard{}, r, nil)
	assert.Error(t, err)
	_, err = NewWorkers(conv, 1, nil, r, nil)
	assert.Error(t, err)

	r.CloseScan()
	require.NoError(t, r.Start())
}
