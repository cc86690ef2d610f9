package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dhcgn/emlx-to-eml/model"
	"github.com/dhcgn/emlx-to-eml/runner"
	"github.com/dhcgn/emlx-to-eml/sink"
	"github.com/dhcgn/emlx-to-eml/state"
	"github.com/dhcgn/emlx-to-eml/stats"
)

// Workers pull jobs from the runner and convert them into a sink.
type Workers struct {
	conv          *Converter
	sink          sink.Sink
	runner        *runner.Runner
	tracker       state.Tracker
	logger        *slog.Logger
	errorTolerant bool
	dryRun        bool
}

// NewWorkers registers count conversion stages with r.
func NewWorkers(conv *Converter, count int, s sink.Sink, r *runner.Runner, logger *slog.Logger) (*Workers, error) {
	if count < 1 {
		return nil, fmt.Errorf("worker count must be at least 1")
	}
	if s == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}

	cfg := r.Config()
	w := &Workers{
		conv:          conv,
		sink:          s,
		runner:        r,
		tracker:       tracker,
		logger:        logger,
		errorTolerant: cfg.ErrorTolerant,
		dryRun:        cfg.DryRun,
	}
	for i := 1; i <= count; i++ {
		r.AddStage("convert-"+strconv.Itoa(i), w.run)
	}
	return w, nil
}

func (w *Workers) run(ctx context.Context) error {
	jobs := w.runner.Jobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := w.process(job); err != nil {
				return err
			}
		}
	}
}

// process converts one job. The returned error stops the pipeline; in
// error-tolerant mode only tracker failures do.
func (w *Workers) process(job model.Job) error {
	warnings, err := w.convert(job)
	if errors.Is(err, ErrFiltered) {
		w.emit(stats.Event{Type: stats.EventTypeFiltered, File: job.RelPath})
		if w.logger != nil {
			w.logger.Debug("message filtered", "file", job.RelPath)
		}
		return nil
	}
	if err != nil {
		w.emit(stats.Event{Type: stats.EventTypeError, File: job.RelPath, Err: err})
		if w.errorTolerant {
			if w.logger != nil {
				w.logger.Error("conversion failed", "file", job.RelPath, "err", err)
			}
			return nil
		}
		return err
	}

	for _, warning := range warnings {
		w.emit(stats.Event{Type: stats.EventTypeWarning, File: job.RelPath, Detail: warning})
		if w.logger != nil {
			w.logger.Warn("conversion warning", "file", job.RelPath, "warning", warning)
		}
	}

	rec := state.Record{
		Destination: w.runner.Destination(),
		Key:         job.Key,
		File:        job.RelPath,
		Warnings:    len(warnings),
	}
	if err := w.tracker.Record(rec); err != nil {
		err = fmt.Errorf("record %s: %w", job.RelPath, err)
		w.emit(stats.Event{Type: stats.EventTypeError, File: job.RelPath, Err: err})
		return err
	}

	if w.dryRun {
		w.emit(stats.Event{Type: stats.EventTypeDryRunConverted, File: job.RelPath})
	} else {
		w.emit(stats.Event{Type: stats.EventTypeConverted, File: job.RelPath})
	}
	if w.logger != nil {
		w.logger.Debug("converted", "file", job.RelPath, "warnings", len(warnings))
	}
	return nil
}

// convert runs the conversion into a fresh sink output, committing it
// only when the whole message was written.
func (w *Workers) convert(job model.Job) ([]string, error) {
	out, err := w.sink.Create(job)
	if err != nil {
		return nil, fmt.Errorf("create output for %s: %w", job.RelPath, err)
	}

	warnings, err := w.conv.Convert(job.Path, out)
	if err != nil {
		if derr := out.Discard(); derr != nil && w.logger != nil {
			w.logger.Debug("discard output", "file", job.RelPath, "err", derr)
		}
		return nil, err
	}

	if err := out.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", job.RelPath, err)
	}
	return warnings, nil
}

func (w *Workers) emit(evt stats.Event) {
	evt.Stage = stats.StageConvert
	w.runner.EmitEvent(evt)
}
