package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/emlx-to-eml/config"
	"github.com/dhcgn/emlx-to-eml/model"
	"github.com/dhcgn/emlx-to-eml/state"
	"github.com/dhcgn/emlx-to-eml/stats"
)

var ErrJobPathMissing = errors.New("scanned job has no path")

type StageFunc func(context.Context) error

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	scans chan model.Envelope
	jobs  chan model.Job

	subMu       sync.Mutex
	subscribers []chan stats.Event

	tracker     state.Tracker
	destination string

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeScansOnce  sync.Once
	closeJobsOnce   sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.Open(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	return NewWithTracker(cfg, tracker, logger), nil
}

// NewWithTracker builds a Runner around an existing tracker. The runner
// closes the tracker when the pipeline finishes.
func NewWithTracker(cfg config.Config, tracker state.Tracker, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		scans:       make(chan model.Envelope, 32),
		jobs:        make(chan model.Job, 32),
		tracker:     tracker,
		destination: cfg.Destination(),
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Destination returns the journal scope of this run.
func (r *Runner) Destination() string {
	return r.destination
}

func (r *Runner) ScanWriter() chan<- model.Envelope {
	return r.scans
}

func (r *Runner) CloseScan() {
	r.closeScansOnce.Do(func() {
		close(r.scans)
	})
}

func (r *Runner) Jobs() <-chan model.Job {
	return r.jobs
}

// EmitEvent hands evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. It must be called
// before the stages start emitting.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state tracker: %w", err))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeJobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.scans:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: envelope.Err})
				if r.cfg.ErrorTolerant {
					r.logger.Error("scan error", "err", envelope.Err)
					continue
				}
				return fmt.Errorf("scan: %w", envelope.Err)
			}

			job := envelope.Job
			r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeScanned, File: job.RelPath})

			if job.Path == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: ErrJobPathMissing})
				return ErrJobPathMissing
			}

			if job.Key != "" && r.tracker.Done(r.destination, job.Key) {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeDuplicate, File: job.RelPath})
				r.logger.Debug("skipping converted file", "file", job.RelPath)
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- job:
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeEnqueued, File: job.RelPath})
			}
		}
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
