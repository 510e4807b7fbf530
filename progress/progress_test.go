package progress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanCollector struct {
	id int
	ch chan Event
}

func newChanCollector(id int) *chanCollector {
	return &chanCollector{id: id, ch: make(chan Event, 100)}
}

func (c *chanCollector) ID() int                    { return c.id }
func (c *chanCollector) CollectChannel() chan Event { return c.ch }
func (c *chanCollector) Report(event Event)         { c.ch <- event }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Report(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func (r *recorder) kinds() []Kind {
	var out []Kind
	for _, e := range r.snapshot() {
		out = append(out, e.Kind)
	}
	return out
}

// gatedReporter holds every Report until the gate is closed.
type gatedReporter struct {
	recorder
	gate chan struct{}
}

func (g *gatedReporter) Report(event Event) {
	<-g.gate
	g.recorder.Report(event)
}

type logLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *logLines) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.lines = append(l.lines, args)
	}, funcr.Options{})
}

func (l *logLines) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func flushed(t *testing.T, p *Progress) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
}

func stageEvent(kind Kind, stage string, current, total int) Event {
	return Event{Kind: kind, Stage: stage, Current: current, Total: total, StageCount: 2}
}

func TestNew_DefaultsToNoopReporter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(WithContext(ctx))
	require.NoError(t, err)
	require.Len(t, p.reporters, 1)
	assert.IsType(t, &NoopReporter{}, p.reporters[0])

	col := newChanCollector(1)
	p.Subscribe(col)
	col.Report(stageEvent(KindActivated, "Loading", 0, 1))
	flushed(t, p)
}

func TestProgress_FlushWaitsForEveryReporter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := &recorder{}
	slow := &gatedReporter{gate: make(chan struct{})}
	col := newChanCollector(1)
	p, err := New(WithContext(ctx), WithReporters(fast, slow), WithCollectors(col))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		col.Report(stageEvent(KindProgress, "Loading", i, 3))
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	short, shortCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, p.Flush(short), context.DeadlineExceeded)

	close(slow.gate)
	flushed(t, p)
	assert.Len(t, fast.snapshot(), 3)
	assert.Len(t, slow.snapshot(), 3)
	assert.Zero(t, p.pending.Load())
}

func TestProgress_FlushWithNothingPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(WithContext(ctx))
	require.NoError(t, err)

	done, doneCancel := context.WithCancel(context.Background())
	doneCancel()
	assert.NoError(t, p.Flush(done))
}

func TestProgress_FlushReturnsWhenHubStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stuck := &gatedReporter{gate: make(chan struct{})}
	defer close(stuck.gate)
	col := newChanCollector(1)
	p, err := New(WithContext(ctx), WithReporters(stuck), WithCollectors(col))
	require.NoError(t, err)

	col.Report(stageEvent(KindProgress, "Loading", 1, 2))
	require.Eventually(t, func() bool { return p.pending.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, p.Flush(context.Background()), context.Canceled)
}

func TestProgress_ReporterPanicIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := &logLines{}
	var (
		mu   sync.Mutex
		seen []int
	)
	panicky := ReporterFunc(func(event Event) {
		mu.Lock()
		seen = append(seen, event.Current)
		mu.Unlock()
		if event.Current == 1 {
			panic("render failed")
		}
	})
	steady := &recorder{}
	col := newChanCollector(1)
	p, err := New(WithContext(ctx), WithLogger(logs.logger()), WithReporters(panicky, steady), WithCollectors(col))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		col.Report(stageEvent(KindProgress, "Loading", i, 3))
	}
	flushed(t, p)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, seen)
	mu.Unlock()
	assert.Len(t, steady.snapshot(), 3)
	assert.True(t, logs.contains("reporter panicked"))
	assert.True(t, logs.contains("render failed"))
}

func TestProgress_TransitionsAfterFinishReachReporters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := &recorder{}, &recorder{}
	col := newChanCollector(1)
	p, err := New(WithContext(ctx), WithReporters(first, second), WithCollectors(col))
	require.NoError(t, err)

	col.Report(stageEvent(KindActivated, "Loading defs", 0, 2))
	col.Report(stageEvent(KindProgress, "Loading defs", 2, 2))
	col.Report(Event{Kind: KindFinished, StageCount: 2})
	col.Report(Event{Kind: KindFaulted, StageCount: 2, Message: "stage re-entered"})
	flushed(t, p)

	want := []Kind{KindActivated, KindProgress, KindFinished, KindFaulted}
	assert.Equal(t, want, first.kinds())
	assert.Equal(t, want, second.kinds())
	assert.Equal(t, "stage re-entered", first.snapshot()[3].Message)
}

func TestProgress_MergesCollectors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	a, b := newChanCollector(1), newChanCollector(2)
	p, err := New(WithContext(ctx), WithReporters(rec), WithCollectors(a))
	require.NoError(t, err)
	p.Subscribe(b)

	a.Report(stageEvent(KindProgress, "a", 1, 1))
	b.Report(stageEvent(KindProgress, "b", 1, 1))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	flushed(t, p)

	stages := map[string]bool{}
	for _, e := range rec.snapshot() {
		stages[e.Stage] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, stages)
}

func TestProgress_UnsubscribeLeavesEventsInCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	col := newChanCollector(7)
	p, err := New(WithContext(ctx), WithReporters(rec), WithCollectors(col))
	require.NoError(t, err)

	col.Report(stageEvent(KindProgress, "Loading", 1, 2))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	p.Unsubscribe(col)
	p.Unsubscribe(col)
	col.Report(stageEvent(KindProgress, "Loading", 2, 2))
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, rec.snapshot(), 1)
	assert.Len(t, col.ch, 1)
	flushed(t, p)
}

func TestReporterFunc(t *testing.T) {
	var got Event
	var r Reporter = ReporterFunc(func(event Event) { got = event })
	r.Report(stageEvent(KindActivated, "Loading", 0, 4))
	assert.Equal(t, "Loading", got.Stage)

	assert.NotPanics(t, func() { NewNoopReporter().Report(got) })
}

func TestEvent_Normalize(t *testing.T) {
	e := stageEvent(KindProgress, "Loading", 1, 4)
	e.Normalize()
	assert.False(t, e.Timestamp.IsZero())
	assert.InDelta(t, 25.0, e.Percent, 0.001)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e = Event{Timestamp: fixed, Current: 1, Total: 4, Percent: 60}
	e.Normalize()
	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, 60.0, e.Percent)

	e = Event{Kind: KindFinished}
	e.Normalize()
	assert.Zero(t, e.Percent)
}

func TestEvent_SameProgress(t *testing.T) {
	a := stageEvent(KindProgress, "Loading", 1, 4)
	b := a
	b.Timestamp = time.Now()
	b.Metadata = map[string]interface{}{MetadataLastDuration: "1s"}
	assert.True(t, a.SameProgress(b))

	for name, change := range map[string]func(e *Event){
		"current": func(e *Event) { e.Current++ },
		"step":    func(e *Event) { e.Step = "mods/core" },
		"error":   func(e *Event) { e.Error = true },
		"kind":    func(e *Event) { e.Kind = KindActivated },
	} {
		c := a
		change(&c)
		assert.False(t, a.SameProgress(c), name)
	}
}

func TestEvent_LastDuration(t *testing.T) {
	_, ok := Event{}.LastDuration()
	assert.False(t, ok)

	d, ok := Event{Metadata: map[string]interface{}{MetadataLastDuration: "1.5s"}}.LastDuration()
	assert.True(t, ok)
	assert.Equal(t, "1.5s", d)

	_, ok = Event{Metadata: map[string]interface{}{MetadataLastDuration: ""}}.LastDuration()
	assert.False(t, ok)
}

func BenchmarkProgress_FanOut(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := newChanCollector(1)
	p, _ := New(WithContext(ctx), WithReporters(&NoopReporter{}, &NoopReporter{}), WithCollectors(col))
	event := stageEvent(KindProgress, "Loading", 1, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		col.Report(event)
	}
	_ = p.Flush(context.Background())
}
