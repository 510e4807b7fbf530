package hostsim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/drain"
	"github.com/konveyor/load-progress/stage"
)

// Interception points of the simulated load pipeline.
const (
	TargetModLoad          = "mods.load"
	TargetModsLoaded       = "mods.loaded"
	TargetDefinitionLoad   = "defs.load"
	TargetDefinitionsDone  = "defs.loaded"
	TargetReferenceResolve = "xrefs.resolve"
	TargetReferencesDone   = "xrefs.done"
	TargetDeferredDone     = "deferred.done"
)

// FinalizeOrigin marks the action that must run alone, after every action
// queued before it.
const FinalizeOrigin = "hostsim.finalize"

// Pivot returns the index of the finalize action, or -1.
func Pivot(items []drain.Action) int {
	for i, a := range items {
		if a.Origin == FinalizeOrigin {
			return i
		}
	}
	return -1
}

// DeferredDrainer drains the host's deferred actions, normally a monitor.
type DeferredDrainer interface {
	DrainDeferred(ctx context.Context) error
}

type Config struct {
	Mods        int
	Definitions int
	References  int
	// ItemDelay is how long each simulated unit of work takes.
	ItemDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mods:        5,
		Definitions: 40,
		References:  20,
		ItemDelay:   10 * time.Millisecond,
	}
}

// Pipeline is a scripted load of mods, definitions and cross-references,
// followed by a batch of deferred actions with a finalize pivot.
type Pipeline struct {
	host   *Host
	config Config
	stages []stage.Stage
	log    logr.Logger

	mu       sync.Mutex
	loaded   []string
	executed []string
}

func NewPipeline(config Config, log logr.Logger) *Pipeline {
	p := &Pipeline{
		host:   NewHost(log.WithName("host")),
		config: config,
		log:    log,
	}
	p.stages = []stage.Stage{
		stage.NewCounter("Loading mods", config.Mods, TargetModLoad, TargetModsLoaded),
		stage.NewCounter("Loading definitions", config.Definitions, TargetDefinitionLoad, TargetDefinitionsDone),
		stage.NewFlagged("Resolving cross-references", config.References, TargetReferenceResolve, TargetReferencesDone),
		stage.NewFlagged("Executing deferred actions", 1, "", TargetDeferredDone),
	}
	for _, target := range []string{TargetModLoad, TargetDefinitionLoad, TargetReferenceResolve} {
		p.host.Register(target, p.load)
	}
	return p
}

func (p *Pipeline) Host() *Host {
	return p.host
}

// Stages returns the pipeline's stages in load order.
func (p *Pipeline) Stages() []stage.Stage {
	return append([]stage.Stage{}, p.stages...)
}

func (p *Pipeline) load(call *stage.Call) {
	label, _ := call.Arg(0).(string)
	p.mu.Lock()
	p.loaded = append(p.loaded, label)
	p.mu.Unlock()
	call.Result = label
}

func (p *Pipeline) deferred(origin string, fn func()) {
	p.host.ExecuteWhenFinished(origin, func() {
		if fn != nil {
			fn()
		}
		p.mu.Lock()
		p.executed = append(p.executed, origin)
		p.mu.Unlock()
	})
}

// Loaded returns the labels of every item the host loaded, in order.
func (p *Pipeline) Loaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.loaded...)
}

// Executed returns the origins of every deferred action that ran, in order.
func (p *Pipeline) Executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.executed...)
}

// Run loads everything on the calling goroutine and then hands the deferred
// actions to d. Actions the pivot left behind are flushed by the host
// itself. A nil d flushes the whole queue synchronously.
func (p *Pipeline) Run(ctx context.Context, d DeferredDrainer) error {
	for i := 0; i < p.config.Mods; i++ {
		if err := p.pause(ctx); err != nil {
			return err
		}
		p.host.Invoke(TargetModLoad, fmt.Sprintf("mod-%02d", i))
	}
	p.host.Invoke(TargetModsLoaded)

	for i := 0; i < p.config.Definitions; i++ {
		if err := p.pause(ctx); err != nil {
			return err
		}
		name := fmt.Sprintf("Defs/Def%03d.xml", i)
		p.host.Invoke(TargetDefinitionLoad, name)
		p.queueDefinitionFollowUp(ctx, name, i == 0)
		if i == p.config.Definitions/2 {
			p.deferred(FinalizeOrigin, nil)
		}
	}
	if p.config.Definitions == 0 {
		p.deferred(FinalizeOrigin, nil)
	}
	p.host.Invoke(TargetDefinitionsDone)

	for i := 0; i < p.config.References; i++ {
		if err := p.pause(ctx); err != nil {
			return err
		}
		p.host.Invoke(TargetReferenceResolve, fmt.Sprintf("xref-%03d", i))
	}
	p.host.Invoke(TargetReferencesDone)

	if d != nil {
		p.log.V(3).Info("draining deferred actions", "queued", p.host.Queue().Len())
		if err := d.DrainDeferred(ctx); err != nil {
			return fmt.Errorf("unable to drain deferred actions: %w", err)
		}
	}
	ran := p.host.Queue().Flush()
	p.log.V(3).Info("flushed remaining deferred actions", "count", ran)
	p.host.Invoke(TargetDeferredDone)
	return nil
}

// queueDefinitionFollowUp queues the post-load action for a definition. The
// first one queues another action while the batch is draining.
func (p *Pipeline) queueDefinitionFollowUp(ctx context.Context, name string, nested bool) {
	p.deferred("postload:"+name, func() {
		_ = p.pause(ctx)
		if nested {
			p.deferred("reload:"+name, nil)
		}
	})
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.config.ItemDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.config.ItemDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
