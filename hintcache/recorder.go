package hintcache

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/sequencer"
	"github.com/konveyor/load-progress/stage"
)

// Recorder is a sequencer observer that measures every stage and saves the
// measurements once the sequence finishes. A faulted run saves nothing.
type Recorder struct {
	mu      sync.Mutex
	store   *Store
	hints   *Hints
	current string
	started time.Time
	lastMax int
	step    string
	saved   bool
	now     func() time.Time
	log     logr.Logger
}

var _ sequencer.Observer = &Recorder{}

func NewRecorder(store *Store, log logr.Logger) *Recorder {
	return &Recorder{
		store: store,
		hints: NewHints(store.Version),
		now:   time.Now,
		log:   log,
	}
}

func (r *Recorder) OnChange(n sequencer.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := n.Event
	switch ev.Kind {
	case progress.KindActivated:
		r.closeStage()
		r.current = ev.Stage
		r.started = r.now()
		r.lastMax = ev.Total
		r.step = ev.Step
	case progress.KindProgress:
		r.lastMax = ev.Total
		if ev.Step != "" {
			r.step = ev.Step
		}
	case progress.KindFinished:
		r.lastMax = ev.Total
		r.closeStage()
		if r.saved {
			return
		}
		r.saved = true
		if err := r.store.Save(r.hints); err != nil {
			r.log.Error(err, "unable to save hint cache")
		}
	case progress.KindFaulted:
		r.current = ""
	}
}

func (r *Recorder) closeStage() {
	if r.current == "" {
		return
	}
	r.hints.Set(r.current, StageHint{
		LastMaximum: r.lastMax,
		LastStep:    r.step,
		Duration:    r.now().Sub(r.started),
	})
	r.current = ""
}

// Hints returns a copy of what was recorded so far.
func (r *Recorder) Hints() *Hints {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := NewHints(r.hints.Version)
	for k, v := range r.hints.Stages {
		out.Stages[k] = v
	}
	return out
}

// Annotator adds the previous run's hints to activated events.
func Annotator(h *Hints) sequencer.Annotator {
	return func(s stage.Stage, _ progress.Event) map[string]interface{} {
		hint, ok := h.Get(s.Name())
		if !ok {
			return nil
		}
		md := map[string]interface{}{
			progress.MetadataLastMaximum: hint.LastMaximum,
		}
		if hint.Duration > 0 {
			md[progress.MetadataLastDuration] = hint.Duration.Round(100 * time.Millisecond).String()
		}
		return md
	}
}
