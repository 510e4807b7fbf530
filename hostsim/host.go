// Package hostsim is a simulated host process: a load pipeline with named
// interception points and a native queue of deferred actions. It gives the
// progress engine something real to attach to in tests and in the CLI.
package hostsim

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/drain"
	"github.com/konveyor/load-progress/stage"
)

type hook struct {
	before stage.HookFunc
	after  stage.HookFunc
}

// Host dispatches named operations through installed hooks.
type Host struct {
	mu    sync.RWMutex
	hooks map[string][]hook
	ops   map[string]func(call *stage.Call)
	queue *drain.ActionQueue
	log   logr.Logger
}

var _ stage.HookInstaller = &Host{}

func NewHost(log logr.Logger) *Host {
	return &Host{
		hooks: map[string][]hook{},
		ops:   map[string]func(call *stage.Call){},
		queue: drain.NewActionQueue(),
		log:   log,
	}
}

// Install adds hooks around target. Hooks stay for the host's lifetime.
func (h *Host) Install(target string, before, after stage.HookFunc) error {
	if target == "" {
		return errors.New("hook target must not be empty")
	}
	if before == nil && after == nil {
		return errors.New("hook must have a before or an after callback")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[target] = append(h.hooks[target], hook{before: before, after: after})
	h.log.V(5).Info("hook installed", "target", target, "count", len(h.hooks[target]))
	return nil
}

// Register sets the original operation behind target.
func (h *Host) Register(target string, op func(call *stage.Call)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops[target] = op
}

// Invoke runs the before hooks, the original operation unless a before hook
// skipped it, then the after hooks. Hooks run in installation order on the
// calling goroutine.
func (h *Host) Invoke(target string, args ...any) *stage.Call {
	h.mu.RLock()
	hooks := append([]hook{}, h.hooks[target]...)
	op := h.ops[target]
	h.mu.RUnlock()

	call := &stage.Call{Target: target, Args: args}
	for _, hk := range hooks {
		if hk.before != nil {
			hk.before(call)
		}
	}
	if !call.Skip && op != nil {
		op(call)
	}
	for _, hk := range hooks {
		if hk.after != nil {
			hk.after(call)
		}
	}
	return call
}

// ExecuteWhenFinished queues fn on the native deferred-action queue.
func (h *Host) ExecuteWhenFinished(origin string, fn func()) {
	h.queue.Enqueue(drain.Action{Origin: origin, Run: fn})
}

// Queue is the host's native deferred-action queue.
func (h *Host) Queue() *drain.ActionQueue {
	return h.queue
}
