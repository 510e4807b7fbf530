// Package drain runs a host's batch of deferred actions incrementally across
// host ticks under a frame budget, so a batch the host expects to run
// synchronously does not freeze rendering for its whole duration.
package drain

import (
	"sync"
)

// Action is one deferred unit of work. Origin names where it was queued
// from and is used when the action panics.
type Action struct {
	Origin string
	Run    func()
}

// NativeQueue is the narrow view of the host's own deferred-action queue the
// coordinator needs. Every method must be atomic with respect to the host.
type NativeQueue interface {
	// Swap replaces the queue's contents with next and returns what was
	// there. The caller owns the returned slice.
	Swap(next []Action) []Action
	// Prepend puts items in front of whatever the queue holds now.
	Prepend(items []Action)
	// Append puts items behind whatever the queue holds now.
	Append(items []Action)
}

// ActionQueue is an ordered, mutex guarded queue of actions. It is the
// native queue of the simulated host and a ready made NativeQueue for hosts
// without one.
type ActionQueue struct {
	mu    sync.Mutex
	items []Action
}

var _ NativeQueue = &ActionQueue{}

func NewActionQueue(items ...Action) *ActionQueue {
	return &ActionQueue{items: append([]Action{}, items...)}
}

func (q *ActionQueue) Enqueue(a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, a)
}

func (q *ActionQueue) Swap(next []Action) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	q.items = append([]Action(nil), next...)
	return prev
}

func (q *ActionQueue) Prepend(items []Action) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]Action, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
}

func (q *ActionQueue) Append(items []Action) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued actions.
func (q *ActionQueue) Snapshot() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action{}, q.items...)
}

// Flush runs every queued action synchronously on the calling goroutine,
// including actions queued while flushing, and returns how many ran. This
// is the host's behaviour without a drainer: a panicking action propagates.
func (q *ActionQueue) Flush() int {
	ran := 0
	for {
		items := q.Swap(nil)
		if len(items) == 0 {
			return ran
		}
		for i, a := range items {
			if a.Run != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							// keep the unrun tail before re-panicking
							q.Prepend(items[i+1:])
							panic(r)
						}
					}()
					a.Run()
				}()
			}
			ran++
		}
	}
}
