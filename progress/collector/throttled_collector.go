package collector

import (
	"math/rand"
	"sync"
	"time"

	"github.com/konveyor/load-progress/progress"
)

// DefaultThrottleInterval is roughly how often a progress bar is redrawn.
const DefaultThrottleInterval = 100 * time.Millisecond

// ThrottledCollector rate limits progress snapshots from the sequencer.
//
// The sequencer can emit a snapshot on every host tick, far more often than
// a terminal needs to be redrawn. ThrottledCollector forwards:
//   - every non-progress event (activation, finish, fault), never dropped
//   - the first snapshot of each stage
//   - the snapshot that reaches the stage's total
//   - any snapshot once the throttle interval has elapsed
//
// Everything else is dropped. Report never blocks: when the channel is full
// a progress snapshot is dropped while transitions are queued and delivered
// in order once the reader catches up. It is safe for concurrent use.
type ThrottledCollector struct {
	throttleInterval time.Duration
	lastReportTime   time.Time
	lastStage        int
	reportedAny      bool
	reportMutex      sync.Mutex

	streamChan chan progress.Event
	id         int

	// transitions waiting for room in streamChan, oldest first
	backlog      []progress.Event
	forwarding   bool
	backlogMutex sync.Mutex
}

var _ progress.Collector = &ThrottledCollector{}

// NewThrottledCollector creates a throttled collector using
// DefaultThrottleInterval.
func NewThrottledCollector() *ThrottledCollector {
	return NewThrottledCollectorWithInterval(DefaultThrottleInterval)
}

// NewThrottledCollectorWithInterval creates a throttled collector with a
// custom interval.
func NewThrottledCollectorWithInterval(interval time.Duration) *ThrottledCollector {
	return &ThrottledCollector{
		throttleInterval: interval,
		id:               rand.Int(),
		streamChan:       make(chan progress.Event, 100),
	}
}

func (t *ThrottledCollector) ID() int {
	return t.id
}

func (t *ThrottledCollector) CollectChannel() chan progress.Event {
	return t.streamChan
}

// Report forwards or drops the event according to the throttling rules.
func (t *ThrottledCollector) Report(event progress.Event) {
	if !t.shouldReport(event) {
		return
	}

	t.backlogMutex.Lock()
	defer t.backlogMutex.Unlock()
	if len(t.backlog) > 0 {
		// keep transitions ordered behind the backlog; a snapshot is stale by
		// the time the backlog drains
		if event.Kind != progress.KindProgress {
			t.backlog = append(t.backlog, event)
		}
		return
	}
	if t.trySend(event) || event.Kind == progress.KindProgress {
		return
	}
	t.backlog = append(t.backlog, event)
	if !t.forwarding {
		t.forwarding = true
		go t.forwardBacklog()
	}
}

// trySend reports whether the event was accepted without blocking.
func (t *ThrottledCollector) trySend(event progress.Event) (sent bool) {
	defer func() {
		// send on a channel closed during shutdown
		if recover() != nil {
			sent = true
		}
	}()
	select {
	case t.streamChan <- event:
		return true
	default:
		return false
	}
}

func (t *ThrottledCollector) forwardBacklog() {
	defer func() {
		if recover() != nil {
			t.backlogMutex.Lock()
			t.backlog = nil
			t.forwarding = false
			t.backlogMutex.Unlock()
		}
	}()
	for {
		t.backlogMutex.Lock()
		if len(t.backlog) == 0 {
			t.forwarding = false
			t.backlogMutex.Unlock()
			return
		}
		next := t.backlog[0]
		t.backlogMutex.Unlock()

		t.streamChan <- next

		t.backlogMutex.Lock()
		t.backlog = t.backlog[1:]
		t.backlogMutex.Unlock()
	}
}

// Backlog returns the number of transitions waiting for room in the channel.
func (t *ThrottledCollector) Backlog() int {
	t.backlogMutex.Lock()
	defer t.backlogMutex.Unlock()
	return len(t.backlog)
}

func (t *ThrottledCollector) shouldReport(event progress.Event) bool {
	t.reportMutex.Lock()
	defer t.reportMutex.Unlock()

	now := time.Now()
	isTransition := event.Kind != progress.KindProgress
	isNewStage := !t.reportedAny || event.StageIndex != t.lastStage
	isLast := event.Total > 0 && event.Current >= event.Total
	intervalElapsed := now.Sub(t.lastReportTime) >= t.throttleInterval

	if !(isTransition || isNewStage || isLast || intervalElapsed) {
		return false
	}
	t.lastReportTime = now
	t.lastStage = event.StageIndex
	t.reportedAny = true
	return true
}
