package stage

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-logr/logr"
)

// ErrHooksAlreadyInstalled is returned when the hooks of a stage instance
// were already installed through the registry.
var ErrHooksAlreadyInstalled = errors.New("hooks already installed for stage")

// Call is an intercepted host operation. Hook callbacks receive it by
// reference: a before hook may set Skip to suppress the original operation
// and may set Result to replace its effect, an after hook sees the final
// Result.
type Call struct {
	Target string
	Args   []any
	Result any
	Skip   bool
}

// Arg returns the i'th argument or nil.
func (c *Call) Arg(i int) any {
	if c == nil || i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// HookFunc is a before or after callback on an intercepted operation.
type HookFunc func(call *Call)

// HookInstaller is the host's interception capability. Installing a hook is
// global and cannot be undone.
type HookInstaller interface {
	Install(target string, before, after HookFunc) error
}

// lifecycle is implemented by Base. Stages without it are always treated as
// pending.
type lifecycle interface {
	Active() bool
	Retired() bool
}

type routeKey struct {
	typ    reflect.Type
	target string
}

type binding struct {
	stage  Stage
	before HookFunc
	after  HookFunc
}

// route is the single host hook installed for one stage type and target.
// Calls go to the bound instance the sequencer has active, otherwise to the
// first bound instance it has not visited yet. Calls with no such instance
// are dropped.
type route struct {
	mu       sync.RWMutex
	bindings []binding
}

func (r *route) pick() (binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		if lc, ok := b.stage.(lifecycle); ok && lc.Active() {
			return b, true
		}
	}
	for _, b := range r.bindings {
		lc, ok := b.stage.(lifecycle)
		if !ok || !lc.Retired() {
			return b, true
		}
	}
	return binding{}, false
}

func (r *route) before(call *Call) {
	if b, ok := r.pick(); ok && b.before != nil {
		b.before(call)
	}
}

func (r *route) after(call *Call) {
	if b, ok := r.pick(); ok && b.after != nil {
		b.after(call)
	}
}

func (r *route) bind(b binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, b)
}

func (r *route) unbind(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.bindings[:0]
	for _, b := range r.bindings {
		if b.stage != s {
			kept = append(kept, b)
		}
	}
	r.bindings = kept
}

// Registry installs each host hook at most once per stage type and target
// and routes it to whichever instance of that type currently owns it, so
// several instances of one stage type can appear in a sequence.
type Registry struct {
	mu     sync.Mutex
	routes map[routeKey]*route
	bound  map[Stage]bool
	log    logr.Logger
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		routes: map[routeKey]*route{},
		bound:  map[Stage]bool{},
		log:    log,
	}
}

var (
	registriesMu sync.Mutex
	registries   = map[HookInstaller]*Registry{}
)

// RegistryFor returns the process-wide registry for installer, creating it
// on first use. Hooks on a host are global, so every sequence attached to
// the same installer must share one registry.
func RegistryFor(installer HookInstaller, log logr.Logger) *Registry {
	if installer == nil || !reflect.TypeOf(installer).Comparable() {
		return NewRegistry(log)
	}
	registriesMu.Lock()
	defer registriesMu.Unlock()
	r, ok := registries[installer]
	if !ok {
		r = NewRegistry(log)
		registries[installer] = r
	}
	return r
}

// Installed reports whether the hooks of s were installed.
func (r *Registry) Installed(s Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound[s]
}

// Install calls s.InstallHooks with an installer that only reaches the host
// for targets no instance of the same type has hooked yet. Installing the
// same instance twice is logged and rejected with ErrHooksAlreadyInstalled.
// An instance stays recorded even when InstallHooks fails, since partially
// installed hooks cannot be removed.
func (r *Registry) Install(s Stage, installer HookInstaller) error {
	r.mu.Lock()
	if r.bound[s] {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrHooksAlreadyInstalled, s.Name())
		r.log.Error(err, "rejected duplicate hook installation", "stage", s.Name())
		return err
	}
	r.bound[s] = true
	r.mu.Unlock()

	r.log.V(3).Info("installing stage hooks", "stage", s.Name(), "type", reflect.TypeOf(s).String())
	routed := &routingInstaller{registry: r, stage: s, typ: reflect.TypeOf(s), host: installer}
	if err := s.InstallHooks(routed); err != nil {
		return fmt.Errorf("unable to install hooks for stage %s: %w", s.Name(), err)
	}
	return nil
}

// Unbind stops routing hook calls to stages. The host hooks stay installed.
func (r *Registry) Unbind(stages ...Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stages {
		if !r.bound[s] {
			continue
		}
		delete(r.bound, s)
		for key, rt := range r.routes {
			if key.typ == reflect.TypeOf(s) {
				rt.unbind(s)
			}
		}
	}
}

type routingInstaller struct {
	registry *Registry
	stage    Stage
	typ      reflect.Type
	host     HookInstaller
}

func (ri *routingInstaller) Install(target string, before, after HookFunc) error {
	r := ri.registry
	key := routeKey{typ: ri.typ, target: target}

	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[key]
	if !ok {
		rt = &route{}
		if err := ri.host.Install(target, rt.before, rt.after); err != nil {
			return err
		}
		r.routes[key] = rt
	} else {
		r.log.V(5).Info("hook already installed, routing to new instance", "target", target, "stage", ri.stage.Name())
	}
	rt.bind(binding{stage: ri.stage, before: before, after: after})
	return nil
}
