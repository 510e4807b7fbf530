package sequencer

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/stage"
)

// Notification is published whenever a stage becomes active, its progress
// changes, the sequence finishes, or the sequencer faults.
type Notification struct {
	// Stage is the stage the event describes. It is nil only when a fault
	// was raised without an active stage.
	Stage stage.Stage
	Event progress.Event
	// Err is set for faulted notifications.
	Err error
}

func (n Notification) Kind() progress.Kind {
	return n.Event.Kind
}

// Observer receives notifications on the polling goroutine. OnChange must be
// fast and must not block: every observer delays the host's tick.
type Observer interface {
	OnChange(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notification)

func (f ObserverFunc) OnChange(n Notification) {
	f(n)
}

type subscription struct {
	id       int
	observer Observer
}

// Dispatcher delivers notifications synchronously, in subscription order. A
// panicking observer is logged and skipped, the rest still run.
type Dispatcher struct {
	mu     sync.RWMutex
	log    logr.Logger
	nextID int
	subs   []subscription
}

func NewDispatcher(log logr.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Subscribe registers o and returns a function that removes it again.
func (d *Dispatcher) Subscribe(o Observer) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, observer: o})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribed observers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) Notify(n Notification) {
	d.mu.RLock()
	subs := append([]subscription{}, d.subs...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(s.observer, n)
	}
}

func (d *Dispatcher) deliver(o Observer, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Errorf("%v", r), "observer panicked", "kind", n.Kind(), "stage", n.Event.Stage)
		}
	}()
	o.OnChange(n)
}
