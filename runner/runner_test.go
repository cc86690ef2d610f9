package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dhcgn/emlx-to-eml/config"
	"github.com/dhcgn/emlx-to-eml/model"
	"github.com/dhcgn/emlx-to-eml/state"
	"github.com/dhcgn/emlx-to-eml/stats"
)

func newTestRunner(cfg config.Config, tracker state.Tracker) *Runner {
	return NewWithTracker(cfg, tracker, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recorder struct {
	mu     sync.Mutex
	events []stats.Event
}

func (rec *recorder) consume(ctx context.Context, events <-chan stats.Event) error {
	for evt := range events {
		rec.mu.Lock()
		rec.events = append(rec.events, evt)
		rec.mu.Unlock()
	}
	return nil
}

func (rec *recorder) count(typ stats.EventType) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, evt := range rec.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// feed registers a producer stage emitting envs and a consumer stage
// collecting the jobs that reach the workers.
func feed(r *Runner, envs []model.Envelope) *[]model.Job {
	var jobs []model.Job
	r.AddStage("producer", func(ctx context.Context) error {
		defer r.CloseScan()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.ScanWriter() <- env:
			}
		}
		return nil
	})
	r.AddStage("consumer", func(ctx context.Context) error {
		for job := range r.Jobs() {
			jobs = append(jobs, job)
		}
		return nil
	})
	return &jobs
}

func TestRunner_SkipsProcessedJobs(t *testing.T) {
	cfg := config.Config{OutputDir: "/srv/eml"}
	tracker := state.NewMemory()
	if err := tracker.Record(state.Record{Destination: cfg.Destination(), Key: "k1", File: "1.emlx"}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Record(state.Record{Destination: "dir:/srv/other", Key: "k2", File: "2.emlx"}); err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(cfg, tracker)
	var rec recorder
	r.SubscribeStats("recorder", rec.consume)
	jobs := feed(r, []model.Envelope{
		{Job: model.Job{Path: "/in/1.emlx", RelPath: "1.emlx", Key: "k1"}},
		{Job: model.Job{Path: "/in/2.emlx", RelPath: "2.emlx", Key: "k2"}},
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(*jobs) != 1 || (*jobs)[0].RelPath != "2.emlx" {
		t.Fatalf("jobs = %+v, want only 2.emlx", *jobs)
	}
	if got := rec.count(stats.EventTypeScanned); got != 2 {
		t.Errorf("scanned events = %d, want 2", got)
	}
	if got := rec.count(stats.EventTypeDuplicate); got != 1 {
		t.Errorf("duplicate events = %d, want 1", got)
	}
	if got := rec.count(stats.EventTypeEnqueued); got != 1 {
		t.Errorf("enqueued events = %d, want 1", got)
	}
}

func TestRunner_ScanErrors(t *testing.T) {
	errScan := errors.New("permission denied")
	envs := []model.Envelope{
		{Err: errScan},
		{Job: model.Job{Path: "/in/1.emlx", RelPath: "1.emlx", Key: "k1"}},
	}

	tests := []struct {
		name     string
		tolerant bool
		wantErr  bool
		wantJobs int
	}{
		{name: "strict", tolerant: false, wantErr: true, wantJobs: 0},
		{name: "tolerant", tolerant: true, wantErr: false, wantJobs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(config.Config{ErrorTolerant: tt.tolerant}, state.NewMemory())
			jobs := feed(r, envs)

			err := r.Start()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errScan) {
				t.Errorf("Start() error = %v, want wrapped %v", err, errScan)
			}
			if len(*jobs) != tt.wantJobs {
				t.Errorf("jobs = %d, want %d", len(*jobs), tt.wantJobs)
			}
		})
	}
}

func TestRunner_MissingPath(t *testing.T) {
	r := newTestRunner(config.Config{}, state.NewMemory())
	feed(r, []model.Envelope{{Job: model.Job{RelPath: "x.emlx"}}})

	if err := r.Start(); !errors.Is(err, ErrJobPathMissing) {
		t.Fatalf("Start() error = %v, want %v", err, ErrJobPathMissing)
	}
}

func TestRunner_StageErrorCancels(t *testing.T) {
	r := newTestRunner(config.Config{}, state.NewMemory())
	errBoom := errors.New("boom")
	r.AddStage("failing", func(ctx context.Context) error { return errBoom })
	r.AddStage("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := r.Start(); !errors.Is(err, errBoom) {
		t.Fatalf("Start() error = %v, want %v", err, errBoom)
	}
}

type closeCounter struct {
	*state.Memory
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestRunner_ClosesTracker(t *testing.T) {
	tracker := &closeCounter{Memory: state.NewMemory()}
	r := newTestRunner(config.Config{}, tracker)
	r.CloseScan()

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tracker.closed != 1 {
		t.Fatalf("tracker closed %d times, want 1", tracker.closed)
	}
}
