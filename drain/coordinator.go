package drain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// ErrDrainerBusy is returned by Coordinator.Run when the drainer is running
// a session the coordinator did not start. The native queue is restored.
var ErrDrainerBusy = errors.New("drainer is busy with another session")

// PivotFunc picks the barrier action in a batch. It returns its index or -1
// when the batch has no pivot. The host adapter supplies it; the coordinator
// never guesses.
type PivotFunc func(items []Action) int

// MergePolicy decides where the actions after the pivot go relative to
// actions the host queued while the batch was draining.
type MergePolicy int

const (
	// MergeBefore puts the deferred actions in front of the host's new ones.
	MergeBefore MergePolicy = iota
	// MergeAfter appends them behind the host's new ones.
	MergeAfter
)

func (m MergePolicy) String() string {
	switch m {
	case MergeBefore:
		return "before"
	case MergeAfter:
		return "after"
	}
	return fmt.Sprintf("MergePolicy(%d)", int(m))
}

// ParseMergePolicy accepts "before" or "after".
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "before":
		return MergeBefore, nil
	case "after":
		return MergeAfter, nil
	}
	return MergeBefore, fmt.Errorf("unknown merge policy %q, expected before or after", s)
}

type CoordinatorOption func(*Coordinator)

func WithPivot(fn PivotFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.pivot = fn
	}
}

func WithMergePolicy(p MergePolicy) CoordinatorOption {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithPivotRunner runs the pivot on an execution context of the host's
// choosing. The runner must return only after the action finished. By
// default the pivot runs on the coordinating goroutine.
func WithPivotRunner(run func(Action)) CoordinatorOption {
	return func(c *Coordinator) {
		c.runPivot = run
	}
}

func WithCoordinatorLogger(log logr.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// Coordinator drains a host's native queue around a pivot action:
//
//  1. take the native queue, leaving it empty for the host to refill
//  2. drain the actions before the pivot through the Drainer
//  3. run the pivot alone
//  4. merge the actions after the pivot back into the native queue
//  5. open the gate
//
// While this is in flight, further Run calls wait on the same gate instead
// of draining the queue a second time. A Run issued by one of the batch's
// own actions returns at once; the actions it would drain are picked up by
// the next Run.
type Coordinator struct {
	mu       sync.Mutex
	queue    NativeQueue
	drainer  *Drainer
	pivot    PivotFunc
	policy   MergePolicy
	runPivot func(Action)
	inflight *Gate
	log      logr.Logger
}

func NewCoordinator(queue NativeQueue, drainer *Drainer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		queue:   queue,
		drainer: drainer,
		policy:  MergeBefore,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drains the native queue and returns once the drain, the pivot and the
// merge are all complete. Cancelling ctx makes Run return ctx.Err() early;
// the drain itself always runs to completion.
//
// Called from a deferred action while a drain is in flight, Run returns nil
// immediately since that drain cannot finish before the action does.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if g := c.inflight; g != nil {
		c.mu.Unlock()
		if calledFromAction() {
			c.log.Info("drain requested from a deferred action, leaving it to the drain in progress", "warning", true)
			return nil
		}
		c.log.V(3).Info("drain already in progress, waiting for it")
		return g.Wait(ctx)
	}
	items := c.queue.Swap(nil)
	gate := NewGate()
	c.inflight = gate
	c.mu.Unlock()

	if len(items) == 0 {
		c.finish(gate)
		return nil
	}

	before, pivot, after := c.split(items)
	c.log.V(3).Info("draining deferred actions", "before", len(before), "pivot", pivot != nil, "after", len(after))

	session := NewGate()
	if !c.drainer.Start(before, session.Open) {
		c.queue.Prepend(items)
		c.finish(gate)
		c.log.Error(ErrDrainerBusy, "unable to drain deferred actions", "items", len(items))
		return ErrDrainerBusy
	}
	go c.reconcile(session, pivot, after, gate)

	return gate.Wait(ctx)
}

// split partitions items at the pivot. An out of range index is treated as
// no pivot.
func (c *Coordinator) split(items []Action) ([]Action, *Action, []Action) {
	if c.pivot == nil {
		return items, nil, nil
	}
	idx := c.pivot(items)
	if idx < 0 {
		return items, nil, nil
	}
	if idx >= len(items) {
		c.log.Info("pivot index out of range, draining without pivot", "warning", true, "index", idx, "items", len(items))
		return items, nil, nil
	}
	pivot := items[idx]
	before := append([]Action{}, items[:idx]...)
	after := append([]Action{}, items[idx+1:]...)
	return before, &pivot, after
}

func (c *Coordinator) reconcile(session *Gate, pivot *Action, after []Action, gate *Gate) {
	// the session gate has no deadline, the drainer always finishes
	_ = session.Wait(context.Background())

	if pivot != nil {
		c.execPivot(*pivot)
	}
	if len(after) > 0 {
		switch c.policy {
		case MergeAfter:
			c.queue.Append(after)
		default:
			c.queue.Prepend(after)
		}
		c.log.V(3).Info("merged deferred actions back", "count", len(after), "policy", c.policy.String())
	}
	c.finish(gate)
}

func (c *Coordinator) execPivot(a Action) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(fmt.Errorf("%v", r), "pivot action panicked", "origin", a.Origin)
		}
	}()
	c.log.V(3).Info("running pivot action", "origin", a.Origin)
	if c.runPivot != nil {
		c.runPivot(a)
		return
	}
	if a.Run != nil {
		a.Run()
	}
}

// finish releases ownership of the native queue, then opens the gate.
func (c *Coordinator) finish(gate *Gate) {
	c.mu.Lock()
	if c.inflight == gate {
		c.inflight = nil
	}
	c.mu.Unlock()
	gate.Open()
}

// InProgress reports whether a drain owns the native queue.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Gate returns the gate of the drain in flight, or nil.
func (c *Coordinator) Gate() *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Drainer returns the drainer the coordinator drives.
func (c *Coordinator) Drainer() *Drainer {
	return c.drainer
}
