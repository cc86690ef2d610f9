package progress

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/emlx-to-eml/stats"
)

func TestTitle(t *testing.T) {
	assert.Equal(t, "12.emlx", title("INBOX.mbox/Messages/12.emlx"))

	long := strings.Repeat("x", 60) + ".emlx"
	got := title(long)
	assert.Len(t, got, maxTitle)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestDisabledBarIgnoresEvents(t *testing.T) {
	bar := New(10, false)
	bar.Update(stats.Event{Type: stats.EventTypeConverted, File: "1.emlx"})
	bar.Stop()

	events := make(chan stats.Event, 1)
	events <- stats.Event{Type: stats.EventTypeConverted}
	close(events)
	assert.NoError(t, bar.Subscriber(context.Background(), events))
}

func TestEmptyTotalDisablesBar(t *testing.T) {
	assert.False(t, New(0, true).enabled)
}

type recordingStream struct{ names []string }

func (r *recordingStream) SubscribeStats(name string, _ func(context.Context, <-chan stats.Event) error) {
	r.names = append(r.names, name)
}

func TestAttach(t *testing.T) {
	var stream recordingStream
	New(3, false).Attach(&stream)
	assert.Empty(t, stream.names)
}
