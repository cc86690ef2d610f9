package progress

import (
	"context"
	"path"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/emlx-to-eml/stats"
)

const maxTitle = 40

// Bar shows how many containers have been handled so far.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar for total files. It stays silent unless
// enabled.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("Containers found: %d\n", total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Converting").
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar for every file that reached a final state.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case evt.Done():
		b.pb.UpdateTitle(title(evt.File))
		b.pb.Increment()
		if evt.Type == stats.EventTypeError && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.File, evt.Err)
		}
	case evt.Type == stats.EventTypeWarning:
		pterm.Warning.Printf("%s: %s\n", evt.File, evt.Detail)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds runner events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Attach subscribes the bar to stream if it is enabled.
func (b *Bar) Attach(stream stats.EventStream) {
	if b.enabled {
		stream.SubscribeStats("progress-bar", b.Subscriber)
	}
}

func title(file string) string {
	name := path.Base(file)
	if len(name) > maxTitle {
		name = name[:maxTitle-3] + "..."
	}
	return name
}
