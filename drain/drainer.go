package drain

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/konveyor/load-progress/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultFrameRate = 30

type Option func(*Drainer)

// WithFrameRate sets the budget to one frame at fps frames per second.
func WithFrameRate(fps int) Option {
	return func(d *Drainer) {
		if fps > 0 {
			d.budget = time.Second / time.Duration(fps)
		}
	}
}

func WithFrameBudget(budget time.Duration) Option {
	return func(d *Drainer) {
		if budget > 0 {
			d.budget = budget
		}
	}
}

func WithClock(c Clock) Option {
	return func(d *Drainer) {
		d.clock = c
	}
}

func WithLogger(log logr.Logger) Option {
	return func(d *Drainer) {
		d.log = log
	}
}

// WithContext parents session spans.
func WithContext(ctx context.Context) Option {
	return func(d *Drainer) {
		d.ctx = ctx
	}
}

// WithOnSessionStart is called with the session id whenever a batch starts.
func WithOnSessionStart(fn func(id string)) Option {
	return func(d *Drainer) {
		d.onSessionStart = fn
	}
}

// WithOnItem is called on the worker goroutine after every action.
func WithOnItem(fn func(done, total int)) Option {
	return func(d *Drainer) {
		d.onItem = fn
	}
}

// WithOnYield is called on the worker goroutine whenever a frame ends before
// the batch does.
func WithOnYield(fn func(done, total int)) Option {
	return func(d *Drainer) {
		d.onYield = fn
	}
}

// Drainer executes batches of actions on a worker goroutine, one frame per
// host tick. At most one session runs at a time.
type Drainer struct {
	mu       sync.Mutex
	running  bool
	sessions int

	ticks  chan struct{}
	budget time.Duration
	clock  Clock
	log    logr.Logger
	ctx    context.Context

	onSessionStart func(id string)
	onItem         func(done, total int)
	onYield        func(done, total int)
}

func NewDrainer(opts ...Option) *Drainer {
	d := &Drainer{
		ticks:  make(chan struct{}, 1),
		budget: time.Second / DefaultFrameRate,
		clock:  realClock{},
		log:    logr.Discard(),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins draining items. The first frame runs right away on the new
// worker, later frames wait for Tick. onDone is called exactly once, on the
// worker, after the last item ran and after the session was marked not
// running, so onDone may start the next batch.
//
// Start returns false, and does nothing else, when a session is already
// running.
func (d *Drainer) Start(items []Action, onDone func()) bool {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.log.Info("drain session already running, ignoring start", "warning", true, "items", len(items))
		return false
	}
	d.running = true
	d.sessions++
	// a tick left over from an earlier session must not release a frame early
	select {
	case <-d.ticks:
	default:
	}
	d.mu.Unlock()

	s := &session{
		id:     uuid.NewString(),
		items:  items,
		budget: d.budget,
		clock:  d.clock,
		log:    d.log,
		onItem: d.onItem,
	}
	d.log.V(3).Info("drain session started", "session", s.id, "items", len(items), "budget", d.budget)
	if d.onSessionStart != nil {
		d.onSessionStart(s.id)
	}
	go d.work(s, onDone)
	return true
}

func (d *Drainer) work(s *session, onDone func()) {
	_, span := tracing.StartNewSpan(d.ctx, "drain",
		tracing.SessionIDKey.String(s.id),
		tracing.BatchSizeKey.Int(len(s.items)),
	)
	frames := 1
	for !s.step() {
		if d.onYield != nil {
			d.onYield(s.cursor, len(s.items))
		}
		d.log.V(5).Info("drain frame yielded", "session", s.id, "remaining", s.remaining())
		<-d.ticks
		frames++
	}
	span.SetAttributes(attribute.Int("drain.frames", frames))
	span.End()
	d.log.V(3).Info("drain session finished", "session", s.id, "items", len(s.items), "frames", frames)

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

// Tick releases the next frame of the running session. It never blocks and
// ticks that arrive while a frame is still running coalesce.
func (d *Drainer) Tick() {
	select {
	case d.ticks <- struct{}{}:
	default:
	}
}

func (d *Drainer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Sessions returns how many sessions were started.
func (d *Drainer) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Budget returns the frame budget.
func (d *Drainer) Budget() time.Duration {
	return d.budget
}
