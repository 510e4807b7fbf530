package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/drain"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/sequencer"
	"github.com/konveyor/load-progress/stage"
)

type monitorOptions struct {
	log              logr.Logger
	ctx              context.Context
	stages           []stage.Stage
	reporters        []progress.Reporter
	progress         *progress.Progress
	observers        []sequencer.Observer
	queue            drain.NativeQueue
	pivot            drain.PivotFunc
	pivotRunner      func(drain.Action)
	mergePolicy      drain.MergePolicy
	frameRate        int
	tickInterval     time.Duration
	throttleInterval time.Duration
	hintCachePath    string
	hintCacheVersion int
	installer        stage.HookInstaller
	registry         *stage.Registry
}

type Option func(options *monitorOptions) error

func WithLogger(log logr.Logger) Option {
	return func(opt *monitorOptions) error {
		opt.log = log
		return nil
	}
}

func WithContext(ctx context.Context) Option {
	return func(opt *monitorOptions) error {
		if ctx == nil {
			return errors.New("context must not be nil")
		}
		opt.ctx = ctx
		return nil
	}
}

// WithStages appends stages to the sequence, in order.
func WithStages(stages ...stage.Stage) Option {
	return func(opt *monitorOptions) error {
		opt.stages = append(opt.stages, stages...)
		return nil
	}
}

// WithReporters is ignored when WithProgress supplies a hub.
func WithReporters(reporters ...progress.Reporter) Option {
	return func(opt *monitorOptions) error {
		opt.reporters = append(opt.reporters, reporters...)
		return nil
	}
}

func WithProgress(p *progress.Progress) Option {
	return func(opt *monitorOptions) error {
		opt.progress = p
		return nil
	}
}

// WithObservers subscribes extra observers after the built in ones.
func WithObservers(observers ...sequencer.Observer) Option {
	return func(opt *monitorOptions) error {
		opt.observers = append(opt.observers, observers...)
		return nil
	}
}

// WithNativeQueue enables DrainDeferred for the host's deferred-action
// queue.
func WithNativeQueue(q drain.NativeQueue) Option {
	return func(opt *monitorOptions) error {
		if q == nil {
			return errors.New("native queue must not be nil")
		}
		opt.queue = q
		return nil
	}
}

func WithPivot(fn drain.PivotFunc) Option {
	return func(opt *monitorOptions) error {
		opt.pivot = fn
		return nil
	}
}

func WithPivotRunner(run func(drain.Action)) Option {
	return func(opt *monitorOptions) error {
		opt.pivotRunner = run
		return nil
	}
}

// WithMergePolicy accepts "before" or "after".
func WithMergePolicy(policy string) Option {
	return func(opt *monitorOptions) error {
		p, err := drain.ParseMergePolicy(policy)
		if err != nil {
			return err
		}
		opt.mergePolicy = p
		return nil
	}
}

func WithFrameRate(fps int) Option {
	return func(opt *monitorOptions) error {
		if fps <= 0 {
			return fmt.Errorf("frame rate must be positive, got %d", fps)
		}
		opt.frameRate = fps
		return nil
	}
}

// WithTickInterval sets how often Run ticks when the monitor drives its own
// tick loop.
func WithTickInterval(d time.Duration) Option {
	return func(opt *monitorOptions) error {
		if d <= 0 {
			return fmt.Errorf("tick interval must be positive, got %s", d)
		}
		opt.tickInterval = d
		return nil
	}
}

// WithThrottleInterval rate limits progress snapshots handed to reporters.
func WithThrottleInterval(d time.Duration) Option {
	return func(opt *monitorOptions) error {
		if d < 0 {
			return fmt.Errorf("throttle interval must not be negative, got %s", d)
		}
		opt.throttleInterval = d
		return nil
	}
}

// WithHintCache loads hints from path and saves new ones when the sequence
// finishes. An empty path disables the cache.
func WithHintCache(path string, version int) Option {
	return func(opt *monitorOptions) error {
		opt.hintCachePath = path
		opt.hintCacheVersion = version
		return nil
	}
}

// WithHookInstaller installs stage hooks when the monitor is created.
// Hooks are installed once per stage type; pass a shared registry when
// several monitors run in one process.
func WithHookInstaller(installer stage.HookInstaller, registry *stage.Registry) Option {
	return func(opt *monitorOptions) error {
		if installer == nil {
			return errors.New("hook installer must not be nil")
		}
		opt.installer = installer
		opt.registry = registry
		return nil
	}
}
