package sequencer

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/progress/collector"
	"github.com/konveyor/load-progress/stage"
	"github.com/konveyor/load-progress/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDispatcher_OrderAndPanicIsolation(t *testing.T) {
	logs := &logCapture{}
	d := NewDispatcher(logs.logger())

	var order []string
	d.Subscribe(ObserverFunc(func(Notification) { order = append(order, "first") }))
	d.Subscribe(ObserverFunc(func(Notification) { panic("boom") }))
	d.Subscribe(ObserverFunc(func(Notification) { order = append(order, "third") }))

	assert.NotPanics(t, func() {
		d.Notify(Notification{Event: progress.Event{Kind: progress.KindProgress}})
	})
	assert.Equal(t, []string{"first", "third"}, order)
	assert.Equal(t, 1, logs.count("observer panicked"))
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(logr.Discard())

	calls := 0
	unsubscribe := d.Subscribe(ObserverFunc(func(Notification) { calls++ }))
	other := d.Subscribe(ObserverFunc(func(Notification) {}))
	require.Equal(t, 2, d.Len())

	d.Notify(Notification{})
	unsubscribe()
	unsubscribe()
	d.Notify(Notification{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, d.Len())
	other()
	assert.Zero(t, d.Len())
}

func TestDispatcher_SharedWithSequencer(t *testing.T) {
	d := NewDispatcher(logr.Discard())
	rec := &recorder{}
	d.Subscribe(rec)

	seq := New(WithDispatcher(d), WithStages(stage.NewBase("A", 1)))
	assert.Same(t, d, seq.Dispatcher())
	require.NoError(t, seq.Start())
	assert.Len(t, rec.ofKind(progress.KindActivated), 1)
}

func TestCollectorObserver_AnnotatesCopy(t *testing.T) {
	c := collector.New()
	a := stage.NewBase("A", 3)
	obs := NewCollectorObserver(c, WithAnnotator(func(s stage.Stage, ev progress.Event) map[string]interface{} {
		return map[string]interface{}{progress.MetadataLastDuration: s.Name() + "-hint"}
	}))

	shared := map[string]interface{}{"origin": "sequencer"}
	n := Notification{Stage: a, Event: progress.Event{Kind: progress.KindActivated, Stage: "A", Metadata: shared}}
	obs.OnChange(n)
	obs.OnChange(Notification{Stage: a, Event: progress.Event{Kind: progress.KindProgress, Stage: "A", Current: 1, Total: 3}})

	got := <-c.CollectChannel()
	assert.Equal(t, "A-hint", got.Metadata[progress.MetadataLastDuration])
	assert.Equal(t, "sequencer", got.Metadata["origin"])
	assert.NotContains(t, shared, progress.MetadataLastDuration, "dispatched metadata is not mutated")

	got = <-c.CollectChannel()
	assert.Equal(t, progress.KindProgress, got.Kind)
	assert.Nil(t, got.Metadata)
}

func TestTracingObserver_SpanPerActivePeriod(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	spans := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(spans)))

	a := stage.NewBase("A", 1)
	b := stage.NewBase("B", 1)
	seq := New(WithStages(a, b), WithObservers(NewTracingObserver(context.Background())))
	require.NoError(t, seq.Start())

	a.Complete()
	seq.Tick()
	b.SetError()
	seq.Tick()
	b.Complete()
	seq.Tick()

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Contains(t, ended[0].Attributes(), tracing.StageNameKey.String("A"))
	assert.Contains(t, ended[1].Attributes(), tracing.StageNameKey.String("B"))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestTracingObserver_FaultEndsSpan(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	spans := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(spans)))

	a := stage.NewBase("A", 1)
	seq := New(WithStages(a), WithObservers(NewTracingObserver(context.TODO())))
	require.NoError(t, seq.Start())

	seq.mu.Lock()
	seq.stages = nil
	seq.mu.Unlock()
	seq.Tick()

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	require.NotEmpty(t, ended[0].Events())
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}
