package reporter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
)

// ChannelReporter exposes progress events on a Go channel, for embedding
// hosts that render progress themselves.
//
// Sends never block: when the consumer falls behind, events are dropped and
// counted (see DroppedEvents). The channel is closed when the context passed
// to NewChannelReporter is cancelled, so consumers can range over Events.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	r := reporter.NewChannelReporter(ctx)
//	go func() {
//	    for event := range r.Events() {
//	        if event.Kind == progress.KindFinished {
//	            hideOverlay()
//	        }
//	    }
//	}()
type ChannelReporter struct {
	events        chan progress.Event
	bufferSize    int
	mu            sync.RWMutex
	closed        bool
	droppedEvents atomic.Uint64
	log           logr.Logger
}

// ChannelReporterOption is a function that configures a ChannelReporter.
type ChannelReporterOption func(*ChannelReporter)

// WithLogger logs each dropped event at V(1).
func WithLogger(log logr.Logger) ChannelReporterOption {
	return func(r *ChannelReporter) {
		r.log = log
	}
}

// WithBufferSize overrides the default buffer of 100 events.
func WithBufferSize(size int) ChannelReporterOption {
	return func(r *ChannelReporter) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

// NewChannelReporter creates a channel reporter whose channel closes when ctx
// is cancelled.
func NewChannelReporter(ctx context.Context, opts ...ChannelReporterOption) *ChannelReporter {
	r := &ChannelReporter{
		bufferSize: 100,
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make(chan progress.Event, r.bufferSize)

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		close(r.events)
		r.closed = true
		r.mu.Unlock()
	}()

	return r
}

// Report sends a progress event to the channel without blocking. It is a
// no-op once the reporter is closed. Safe for concurrent use.
func (c *ChannelReporter) Report(event progress.Event) {
	event.Normalize()

	// the read lock keeps the closer from closing the channel mid-send
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	select {
	case c.events <- event:
	default:
		dropped := c.droppedEvents.Add(1)
		c.log.V(1).Info("progress event dropped due to slow consumer",
			"kind", event.Kind,
			"stage", event.Stage,
			"total_dropped", dropped,
		)
	}
}

// Events returns the channel events are delivered on.
func (c *ChannelReporter) Events() <-chan progress.Event {
	return c.events
}

// DroppedEvents returns how many events were dropped because the buffer was
// full.
func (c *ChannelReporter) DroppedEvents() uint64 {
	return c.droppedEvents.Load()
}
