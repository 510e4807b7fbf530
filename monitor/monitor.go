// Package monitor attaches the progress engine to a host's load pipeline.
//
// A Monitor owns the stage sequencer, the change dispatcher and its built in
// observers, the deferred-action drainer with its coordinator, the progress
// hub with its reporters, and the optional hint cache. The host drives it by
// calling Tick from its own loop, or lets Run drive a ticker.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/drain"
	"github.com/konveyor/load-progress/hintcache"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/progress/collector"
	"github.com/konveyor/load-progress/sequencer"
	"github.com/konveyor/load-progress/stage"
)

// ErrNoNativeQueue is returned by DrainDeferred when the monitor was created
// without WithNativeQueue.
var ErrNoNativeQueue = errors.New("no native deferred-action queue configured")

// flushTimeout bounds how long Stop waits for reporters.
const flushTimeout = 2 * time.Second

type Monitor struct {
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc

	sequencer   *sequencer.Sequencer
	drainer     *drain.Drainer
	coordinator *drain.Coordinator
	progress    *progress.Progress
	collector   *collector.ThrottledCollector
	recorder    *hintcache.Recorder
	registry    *stage.Registry
	hooked      []stage.Stage

	tickInterval time.Duration
	done         chan struct{}
	doneOnce     sync.Once
}

// New wires a Monitor. Option errors, stage registration errors and hook
// installation errors are joined into a single error.
func New(options ...Option) (*Monitor, error) {
	opts := &monitorOptions{
		frameRate:        drain.DefaultFrameRate,
		tickInterval:     time.Second / 60,
		throttleInterval: collector.DefaultThrottleInterval,
		mergePolicy:      drain.MergeBefore,
	}
	validationErrors := []error{}
	for _, option := range options {
		if err := option(opts); err != nil {
			validationErrors = append(validationErrors, err)
		}
	}
	if len(validationErrors) > 0 {
		return nil, fmt.Errorf("unable to get monitor: %w", errors.Join(validationErrors...))
	}

	log := opts.log
	if log.IsZero() {
		log = logr.Discard()
	}
	parent := opts.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	m := &Monitor{
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		tickInterval: opts.tickInterval,
		done:         make(chan struct{}),
	}

	m.progress = opts.progress
	if m.progress == nil {
		prog, err := progress.New(
			progress.WithContext(ctx),
			progress.WithReporters(opts.reporters...),
			progress.WithLogger(log.WithName("progress")),
		)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("unable to create progress: %w", err)
		}
		m.progress = prog
	}
	m.collector = collector.NewThrottledCollectorWithInterval(opts.throttleInterval)
	m.progress.Subscribe(m.collector)

	collectorOptions := []sequencer.CollectorObserverOption{}
	observers := []sequencer.Observer{}
	if opts.hintCachePath != "" {
		store := hintcache.NewStore(opts.hintCachePath, opts.hintCacheVersion, log.WithName("hintcache"))
		previous, err := store.Load()
		if err != nil {
			log.Error(err, "unable to load hint cache, continuing without hints")
		} else {
			collectorOptions = append(collectorOptions, sequencer.WithAnnotator(hintcache.Annotator(previous)))
		}
		m.recorder = hintcache.NewRecorder(store, log.WithName("hintcache"))
		observers = append(observers, m.recorder)
	}
	observers = append([]sequencer.Observer{
		sequencer.NewCollectorObserver(m.collector, collectorOptions...),
		sequencer.NewTracingObserver(ctx),
	}, observers...)
	observers = append(observers, opts.observers...)
	observers = append(observers, sequencer.ObserverFunc(m.watchTerminal))

	m.sequencer = sequencer.New(
		sequencer.WithLogger(log.WithName("sequencer")),
		sequencer.WithObservers(observers...),
	)

	setupErrors := []error{}
	for _, st := range opts.stages {
		if err := m.sequencer.Append(st); err != nil {
			setupErrors = append(setupErrors, err)
		}
	}
	if opts.installer != nil {
		registry := opts.registry
		if registry == nil {
			registry = stage.RegistryFor(opts.installer, log.WithName("hooks"))
		}
		m.registry = registry
		for _, st := range opts.stages {
			if st == nil {
				continue
			}
			err := registry.Install(st, opts.installer)
			if errors.Is(err, stage.ErrHooksAlreadyInstalled) {
				continue
			}
			m.hooked = append(m.hooked, st)
			if err != nil {
				setupErrors = append(setupErrors, err)
			}
		}
	}
	if len(setupErrors) > 0 {
		if m.registry != nil {
			m.registry.Unbind(m.hooked...)
		}
		cancel()
		return nil, fmt.Errorf("unable to get monitor: %w", errors.Join(setupErrors...))
	}

	m.drainer = drain.NewDrainer(
		drain.WithFrameRate(opts.frameRate),
		drain.WithLogger(log.WithName("drain")),
		drain.WithContext(ctx),
		drain.WithOnItem(m.batchProgress),
	)
	if opts.queue != nil {
		coordinatorOptions := []drain.CoordinatorOption{
			drain.WithMergePolicy(opts.mergePolicy),
			drain.WithCoordinatorLogger(log.WithName("coordinator")),
		}
		if opts.pivot != nil {
			coordinatorOptions = append(coordinatorOptions, drain.WithPivot(opts.pivot))
		}
		if opts.pivotRunner != nil {
			coordinatorOptions = append(coordinatorOptions, drain.WithPivotRunner(opts.pivotRunner))
		}
		m.coordinator = drain.NewCoordinator(opts.queue, m.drainer, coordinatorOptions...)
	}
	return m, nil
}

// batchProgress forwards drainer progress to the active stage.
func (m *Monitor) batchProgress(done, total int) {
	st, _ := m.sequencer.Active()
	switch s := st.(type) {
	case stage.BatchObserver:
		s.BatchProgress(done, total)
	case stage.StepSetter:
		s.SetStep(fmt.Sprintf("%d/%d deferred actions", done, total))
	}
}

func (m *Monitor) watchTerminal(n sequencer.Notification) {
	switch n.Kind() {
	case progress.KindFinished, progress.KindFaulted:
		m.doneOnce.Do(func() { close(m.done) })
	}
}

// Done is closed once the sequence finished or faulted.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Start activates the first stage.
func (m *Monitor) Start() error {
	return m.sequencer.Start()
}

// Tick runs one sequencer evaluation and lets the drainer run one frame.
func (m *Monitor) Tick() {
	m.sequencer.Tick()
	m.drainer.Tick()
}

// Run starts the sequence if needed and ticks every tick interval until ctx
// or the monitor's context is done. The drainer keeps getting frames after
// the sequence reached a terminal state so a late drain never stalls.
//
// Run returns the fault when the sequence faulted, nil when it finished and
// the context error otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	if m.sequencer.State() == sequencer.Idle {
		if err := m.Start(); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	reported := false
	for {
		select {
		case <-ctx.Done():
			return m.result(ctx.Err())
		case <-m.ctx.Done():
			return m.result(m.ctx.Err())
		case <-ticker.C:
			m.Tick()
			if state := m.sequencer.State(); state.Terminal() && !reported {
				reported = true
				m.log.V(1).Info("sequence reached terminal state", "state", state.String())
			}
		}
	}
}

func (m *Monitor) result(ctxErr error) error {
	switch m.sequencer.State() {
	case sequencer.Faulted:
		return m.sequencer.Err()
	case sequencer.Finished:
		return nil
	default:
		return ctxErr
	}
}

// DrainDeferred drains the host's native deferred-action queue and waits
// for it. It must be called from the host's foreground, never from a
// deferred action.
func (m *Monitor) DrainDeferred(ctx context.Context) error {
	if m.coordinator == nil {
		return ErrNoNativeQueue
	}
	return m.coordinator.Run(ctx)
}

// Stop waits briefly for reporters to catch up and releases the monitor's
// goroutines. Hook calls stop reaching the monitor's stages. It does not
// interrupt a running drain.
func (m *Monitor) Stop() error {
	defer m.cancel()
	if m.registry != nil {
		m.registry.Unbind(m.hooked...)
	}
	ctx, cancel := context.WithTimeout(m.ctx, flushTimeout)
	defer cancel()
	if err := m.progress.Flush(ctx); err != nil {
		return fmt.Errorf("unable to flush progress: %w", err)
	}
	return nil
}

func (m *Monitor) Sequencer() *sequencer.Sequencer {
	return m.sequencer
}

func (m *Monitor) Drainer() *drain.Drainer {
	return m.drainer
}

// Report returns a snapshot of the active stage.
func (m *Monitor) Report() progress.Event {
	return m.sequencer.Report()
}

// Hints returns the hints measured so far, or nil without a hint cache.
func (m *Monitor) Hints() *hintcache.Hints {
	if m.recorder == nil {
		return nil
	}
	return m.recorder.Hints()
}
