package stage

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Counter is a stage with a known number of items. Every call to its item
// target advances progress by one and uses the first string argument as the
// step label. Its finish target, when set, jumps to the completion sentinel.
type Counter struct {
	*Base
	itemTarget   string
	finishTarget string
}

var _ Stage = &Counter{}

func NewCounter(name string, maximum int, itemTarget, finishTarget string) *Counter {
	return &Counter{
		Base:         NewBase(name, maximum),
		itemTarget:   itemTarget,
		finishTarget: finishTarget,
	}
}

func (c *Counter) InstallHooks(installer HookInstaller) error {
	if c.itemTarget == "" {
		return fmt.Errorf("counter stage %s has no item target", c.Name())
	}
	errs := []error{}
	err := installer.Install(c.itemTarget, nil, func(call *Call) {
		if label, ok := call.Arg(0).(string); ok {
			c.SetStep(label)
		}
		c.Advance(1)
	})
	if err != nil {
		errs = append(errs, err)
	}
	if c.finishTarget != "" {
		err = installer.Install(c.finishTarget, nil, func(*Call) {
			c.Complete()
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flagged is a stage whose item count is only an estimate. It completes
// when its done target fires rather than on a progress/maximum relation.
type Flagged struct {
	*Base
	done       atomic.Bool
	itemTarget string
	doneTarget string
}

var _ Stage = &Flagged{}
var _ BatchObserver = &Flagged{}

func NewFlagged(name string, estimate int, itemTarget, doneTarget string) *Flagged {
	return &Flagged{
		Base:       NewBase(name, estimate),
		itemTarget: itemTarget,
		doneTarget: doneTarget,
	}
}

func (f *Flagged) IsCompleted() bool {
	return f.done.Load()
}

// MarkDone completes the stage on the next sequencer tick.
func (f *Flagged) MarkDone() {
	f.done.Store(true)
}

func (f *Flagged) BecomeInactive() {
	if f.Active() {
		f.done.Store(false)
	}
	f.Base.BecomeInactive()
}

// BatchProgress follows the drainer through a batch of deferred actions.
func (f *Flagged) BatchProgress(done, total int) {
	if total > 0 && total != f.MaximumProgress() {
		f.SetMaximum(total)
	}
	f.SetProgress(done)
	f.SetStep(fmt.Sprintf("%d/%d deferred actions", done, total))
}

func (f *Flagged) InstallHooks(installer HookInstaller) error {
	if f.doneTarget == "" {
		return fmt.Errorf("flagged stage %s has no done target", f.Name())
	}
	errs := []error{}
	if f.itemTarget != "" {
		err := installer.Install(f.itemTarget, nil, func(call *Call) {
			if label, ok := call.Arg(0).(string); ok {
				f.SetStep(label)
			}
			f.Advance(1)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := installer.Install(f.doneTarget, nil, func(*Call) {
		f.MarkDone()
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
