// Package stage defines the contract every load phase implements to report
// its own progress.
//
// A Stage is polled by the sequencer once per host tick while hook callbacks,
// running on whatever goroutine the host uses, write its counters. The Base
// type carries those counters as atomics so a single writer and a polling
// reader never need a lock.
//
// Stages are compared by identity. Implementations are expected to be
// pointer types so that two instances of the same type represent two
// distinct phases.
package stage

import (
	"sync/atomic"
)

// Stage is one logical phase of the host's startup pipeline.
type Stage interface {
	// Name is the static display name. Callable at any time.
	Name() string

	// CurrentStepName describes the in-flight unit of work, or nil when the
	// stage has no sub-step concept.
	CurrentStepName() *string

	CurrentProgress() int

	// MaximumProgress must be at least 1. The sequencer treats 0 as 1.
	MaximumProgress() int

	HasError() bool

	// IsCompleted reports whether the sequencer should move past this stage.
	// The default rule is "one past the maximum".
	IsCompleted() bool

	// BecomeActive and BecomeInactive are called exactly once per active
	// period by the sequencer.
	BecomeActive()
	BecomeInactive()

	// InstallHooks wires the stage into the host. It is called at most once
	// per stage type, see Registry.
	InstallHooks(installer HookInstaller) error
}

// StepSetter is implemented by stages whose sub-label can be driven from
// outside their own hooks.
type StepSetter interface {
	SetStep(step string)
}

// BatchObserver is implemented by stages that track a batch of deferred
// work executed by the drainer.
type BatchObserver interface {
	BatchProgress(done, total int)
}

// Base is the default Stage implementation. Concrete stages embed *Base and
// override what they need, usually InstallHooks and sometimes IsCompleted.
type Base struct {
	name    string
	current atomic.Int64
	maximum atomic.Int64
	step    atomic.Pointer[string]
	failed  atomic.Bool
	active  atomic.Bool
	retired atomic.Bool
}

var _ Stage = &Base{}

// NewBase creates a Base with a fixed display name and maximum.
func NewBase(name string, maximum int) *Base {
	b := &Base{name: name}
	b.maximum.Store(int64(maximum))
	return b
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) CurrentStepName() *string {
	return b.step.Load()
}

func (b *Base) CurrentProgress() int {
	return int(b.current.Load())
}

func (b *Base) MaximumProgress() int {
	return int(b.maximum.Load())
}

func (b *Base) HasError() bool {
	return b.failed.Load()
}

// IsCompleted is true once progress has moved past the maximum. At the
// normal sentinel (current == maximum+1) this is the "one past max" rule;
// a stage that overshoots further still completes instead of stalling. A
// maximum below 1 counts as 1, as the sequencer displays it.
func (b *Base) IsCompleted() bool {
	return b.current.Load() > b.effectiveMaximum()
}

func (b *Base) effectiveMaximum() int64 {
	if maximum := b.maximum.Load(); maximum >= 1 {
		return maximum
	}
	return 1
}

func (b *Base) BecomeActive() {
	b.retired.Store(false)
	b.active.Store(true)
}

// BecomeInactive resets the stage so a later traversal starts from zero.
// Repeated calls without an intervening BecomeActive are ignored.
func (b *Base) BecomeInactive() {
	if b.active.CompareAndSwap(true, false) {
		b.Reset()
		b.retired.Store(true)
	}
}

// InstallHooks installs nothing. Stages driven entirely from outside keep
// this default.
func (b *Base) InstallHooks(HookInstaller) error {
	return nil
}

// Active reports whether the sequencer currently has this stage selected.
func (b *Base) Active() bool {
	return b.active.Load()
}

// Retired reports whether the sequencer selected this stage and has since
// left it.
func (b *Base) Retired() bool {
	return b.retired.Load()
}

// Reset clears counters, step and error state.
func (b *Base) Reset() {
	b.current.Store(0)
	b.step.Store(nil)
	b.failed.Store(false)
}

// Advance adds n to the current progress. Non-positive n is ignored so the
// counter never decreases.
func (b *Base) Advance(n int) {
	if n <= 0 {
		return
	}
	b.current.Add(int64(n))
}

// SetProgress raises the current progress to v. Lower values are ignored.
func (b *Base) SetProgress(v int) {
	for {
		cur := b.current.Load()
		if int64(v) <= cur {
			return
		}
		if b.current.CompareAndSwap(cur, int64(v)) {
			return
		}
	}
}

// SetMaximum replaces the maximum, for stages whose size is only known once
// they start.
func (b *Base) SetMaximum(maximum int) {
	b.maximum.Store(int64(maximum))
}

// Complete moves progress to the "one past max" sentinel.
func (b *Base) Complete() {
	b.SetProgress(int(b.effectiveMaximum()) + 1)
}

func (b *Base) SetStep(step string) {
	b.step.Store(&step)
}

func (b *Base) ClearStep() {
	b.step.Store(nil)
}

// SetError flags the stage so reporters can render it as failing.
func (b *Base) SetError() {
	b.failed.Store(true)
}
