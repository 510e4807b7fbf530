// Package sequencer walks an ordered list of stages, advancing to the next
// stage when the active one completes, and publishes clamped progress
// snapshots to observers once per host tick.
package sequencer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/stage"
)

var (
	ErrEmptySequence   = errors.New("stage sequence is empty")
	ErrIndexOutOfRange = errors.New("insert index out of range")
	ErrDuplicateStage  = errors.New("stage instance already in sequence")
	ErrAlreadyStarted  = errors.New("sequencer already started")
	ErrConsistency     = errors.New("active stage is missing from the sequence")
)

type State int

const (
	Idle State = iota
	Active
	Finished
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further ticks have any effect.
func (s State) Terminal() bool {
	return s == Finished || s == Faulted
}

type Option func(*Sequencer)

func WithLogger(log logr.Logger) Option {
	return func(s *Sequencer) {
		s.log = log
	}
}

// WithDispatcher shares a dispatcher with other components. By default the
// sequencer creates its own.
func WithDispatcher(d *Dispatcher) Option {
	return func(s *Sequencer) {
		s.dispatcher = d
	}
}

func WithStages(stages ...stage.Stage) Option {
	return func(s *Sequencer) {
		s.pending = append(s.pending, stages...)
	}
}

func WithObservers(observers ...Observer) Option {
	return func(s *Sequencer) {
		s.observers = append(s.observers, observers...)
	}
}

// Sequencer is the stage state machine: Idle, then Active for each stage in
// turn, then Finished. A consistency fault moves it to Faulted, after which
// it ignores ticks.
//
// All methods are safe for concurrent use, but Tick is expected to be called
// from a single host tick loop. Stage lifecycle methods run while the
// sequencer's lock is held and must not call back into it.
type Sequencer struct {
	mu         sync.Mutex
	log        logr.Logger
	dispatcher *Dispatcher

	stages []stage.Stage
	active stage.Stage
	index  int
	state  State
	err    error

	report       progress.Event
	lastProgress *progress.Event

	warnedZeroMax   map[stage.Stage]bool
	warnedOvershoot map[stage.Stage]bool

	// option scratch space, consumed by New
	pending   []stage.Stage
	observers []Observer
}

func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		log:             logr.Discard(),
		warnedZeroMax:   map[stage.Stage]bool{},
		warnedOvershoot: map[stage.Stage]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(s.log)
	}
	for _, o := range s.observers {
		s.dispatcher.Subscribe(o)
	}
	for _, st := range s.pending {
		_ = s.Append(st)
	}
	s.pending, s.observers = nil, nil
	return s
}

// Dispatcher returns the dispatcher notifications are published on.
func (s *Sequencer) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Append adds a stage at the end of the sequence.
func (s *Sequencer) Append(st stage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(len(s.stages), st)
}

// Insert adds a stage at index, which must be within 0..len. Stages before
// the active one are never revisited.
func (s *Sequencer) Insert(index int, st stage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(index, st)
}

func (s *Sequencer) insert(index int, st stage.Stage) error {
	if st == nil {
		err := errors.New("stage is nil")
		s.log.Error(err, "rejected stage")
		return err
	}
	if index < 0 || index > len(s.stages) {
		err := fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, index, len(s.stages))
		s.log.Error(err, "rejected stage insert", "stage", st.Name())
		return err
	}
	if s.indexOf(st) >= 0 {
		err := fmt.Errorf("%w: %s", ErrDuplicateStage, st.Name())
		s.log.Error(err, "rejected stage insert", "stage", st.Name())
		return err
	}
	s.stages = append(s.stages, nil)
	copy(s.stages[index+1:], s.stages[index:])
	s.stages[index] = st
	s.log.V(5).Info("stage added", "stage", st.Name(), "index", index, "count", len(s.stages))
	return nil
}

// Start activates the first stage. An empty sequence is rejected and the
// sequencer stays Idle.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		err := fmt.Errorf("%w: state is %s", ErrAlreadyStarted, s.State())
		s.log.Error(err, "rejected start")
		return err
	}
	if len(s.stages) == 0 {
		s.mu.Unlock()
		s.log.Error(ErrEmptySequence, "refusing to start")
		return ErrEmptySequence
	}
	s.state = Active
	s.index = 0
	s.active = s.stages[0]
	s.active.BecomeActive()
	n := Notification{Stage: s.active, Event: s.snapshot(progress.KindActivated)}
	s.report = n.Event
	s.mu.Unlock()

	s.log.V(3).Info("sequence started", "stage", n.Stage.Name(), "count", n.Event.StageCount)
	s.dispatcher.Notify(n)
	return nil
}

// Tick evaluates the active stage once. Completed stages are left and their
// successors entered within the same tick, so a run of instantly completing
// stages is crossed in one call. Notifications are dispatched after the
// sequencer's lock is released.
func (s *Sequencer) Tick() {
	notifications := s.evaluate()
	for _, n := range notifications {
		s.dispatcher.Notify(n)
	}
}

func (s *Sequencer) evaluate() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return nil
	}

	idx := s.indexOf(s.active)
	if idx < 0 {
		return []Notification{s.fault()}
	}
	s.index = idx

	var notifications []Notification
	for s.active.IsCompleted() {
		if s.index == len(s.stages)-1 {
			done := s.active
			n := Notification{Stage: done, Event: s.snapshot(progress.KindFinished)}
			done.BecomeInactive()
			s.state = Finished
			s.report = n.Event
			s.log.V(3).Info("sequence finished", "stage", done.Name())
			return append(notifications, n)
		}
		prev := s.active
		prev.BecomeInactive()
		s.index++
		s.active = s.stages[s.index]
		s.active.BecomeActive()
		s.log.V(3).Info("stage completed", "stage", prev.Name(), "next", s.active.Name(), "index", s.index)

		n := Notification{Stage: s.active, Event: s.snapshot(progress.KindActivated)}
		s.report = n.Event
		notifications = append(notifications, n)
	}

	ev := s.snapshot(progress.KindProgress)
	s.report = ev
	if s.lastProgress != nil && s.lastProgress.SameProgress(ev) {
		return notifications
	}
	s.lastProgress = &ev
	return append(notifications, Notification{Stage: s.active, Event: ev})
}

func (s *Sequencer) fault() Notification {
	name := "<nil>"
	if s.active != nil {
		name = s.active.Name()
	}
	err := fmt.Errorf("%w: %s", ErrConsistency, name)
	s.log.Error(err, "progress display disabled", "stages", len(s.stages))
	s.state = Faulted
	s.err = err

	ev := progress.Event{
		Kind:       progress.KindFaulted,
		Stage:      name,
		StageIndex: s.index,
		StageCount: len(s.stages),
		Message:    err.Error(),
	}
	ev.Normalize()
	s.report = ev
	return Notification{Stage: s.active, Event: ev, Err: err}
}

// snapshot builds a clamped report for the active stage. A non-positive
// maximum is treated as 1. Progress far beyond the maximum is an error, but
// only for display: the value is clamped and the run continues.
func (s *Sequencer) snapshot(kind progress.Kind) progress.Event {
	st := s.active

	maximum := st.MaximumProgress()
	if maximum <= 0 {
		if !s.warnedZeroMax[st] {
			s.warnedZeroMax[st] = true
			s.log.Info("stage reported an invalid maximum progress, using 1", "warning", true, "stage", st.Name(), "maximum", maximum)
		}
		maximum = 1
	}

	current := st.CurrentProgress()
	if current < 0 {
		current = 0
	}
	if current > maximum+1 && !s.warnedOvershoot[st] {
		s.warnedOvershoot[st] = true
		s.log.Error(fmt.Errorf("progress %d exceeds maximum %d", current, maximum), "stage progress out of range", "stage", st.Name())
	}
	if current > maximum {
		current = maximum
	}

	ev := progress.Event{
		Kind:       kind,
		Stage:      st.Name(),
		Current:    current,
		Total:      maximum,
		StageIndex: s.index,
		StageCount: len(s.stages),
		Error:      st.HasError(),
	}
	if step := st.CurrentStepName(); step != nil {
		ev.Step = *step
	}
	ev.Normalize()
	return ev
}

func (s *Sequencer) indexOf(st stage.Stage) int {
	for i, candidate := range s.stages {
		if candidate == st {
			return i
		}
	}
	return -1
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the active stage and its index, or nil and -1 when the
// sequencer is not Active.
func (s *Sequencer) Active() (stage.Stage, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return nil, -1
	}
	return s.active, s.index
}

// Report returns the last computed snapshot.
func (s *Sequencer) Report() progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Err returns the consistency fault, if any.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stages returns a copy of the configured sequence.
func (s *Sequencer) Stages() []stage.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stage.Stage{}, s.stages...)
}
