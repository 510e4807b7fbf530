package sequencer

import (
	"context"
	"sync"

	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/stage"
	"github.com/konveyor/load-progress/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Annotator returns extra metadata for an activated event, e.g. hints from
// the previous run. It may return nil.
type Annotator func(s stage.Stage, ev progress.Event) map[string]interface{}

// CollectorObserver hands events to a progress collector so reporters render
// on their own goroutines instead of the tick loop.
type CollectorObserver struct {
	collector progress.Collector
	annotate  Annotator
}

var _ Observer = &CollectorObserver{}

type CollectorObserverOption func(*CollectorObserver)

func WithAnnotator(a Annotator) CollectorObserverOption {
	return func(c *CollectorObserver) {
		c.annotate = a
	}
}

func NewCollectorObserver(c progress.Collector, opts ...CollectorObserverOption) *CollectorObserver {
	o := &CollectorObserver{collector: c}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (c *CollectorObserver) OnChange(n Notification) {
	ev := n.Event
	if c.annotate != nil && ev.Kind == progress.KindActivated && n.Stage != nil {
		if extra := c.annotate(n.Stage, ev); len(extra) > 0 {
			// copy, the dispatched event is shared with other observers
			md := make(map[string]interface{}, len(ev.Metadata)+len(extra))
			for k, v := range ev.Metadata {
				md[k] = v
			}
			for k, v := range extra {
				md[k] = v
			}
			ev.Metadata = md
		}
	}
	c.collector.Report(ev)
}

// TracingObserver records each active period of a stage as a span.
type TracingObserver struct {
	ctx     context.Context
	mu      sync.Mutex
	current trace.Span
}

var _ Observer = &TracingObserver{}

// NewTracingObserver parents stage spans under the span in ctx, if any.
func NewTracingObserver(ctx context.Context) *TracingObserver {
	if ctx == nil {
		ctx = context.Background()
	}
	return &TracingObserver{ctx: ctx}
}

func (t *TracingObserver) OnChange(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch n.Kind() {
	case progress.KindActivated:
		t.end()
		_, t.current = tracing.StartNewSpan(t.ctx, "stage",
			tracing.StageNameKey.String(n.Event.Stage),
			tracing.StageIndexKey.Int(n.Event.StageIndex),
			tracing.StageCountKey.Int(n.Event.StageCount),
		)
	case progress.KindProgress:
		if n.Event.Error && t.current != nil {
			t.current.SetStatus(codes.Error, "stage reported an error")
		}
	case progress.KindFinished:
		t.end()
	case progress.KindFaulted:
		if t.current != nil {
			if n.Err != nil {
				t.current.RecordError(n.Err)
			}
			t.current.SetStatus(codes.Error, n.Event.Message)
		}
		t.end()
	}
}

func (t *TracingObserver) end() {
	if t.current != nil {
		t.current.End()
		t.current = nil
	}
}
