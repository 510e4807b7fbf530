package collector

import (
	"math/rand"

	"github.com/konveyor/load-progress/progress"
)

// collector forwards every event without throttling.
//
// Use it for low frequency sources, or in tests that need to see every
// snapshot the sequencer produced.
type collector struct {
	id int
	ch chan progress.Event
}

// New creates a pass-through collector with a 100 event buffer. Events are
// dropped when the buffer is full so the tick loop never blocks on it.
func New() progress.Collector {
	return &collector{
		id: rand.Int(),
		ch: make(chan progress.Event, 100),
	}
}

func (c *collector) ID() int {
	return c.id
}

func (c *collector) CollectChannel() chan progress.Event {
	return c.ch
}

func (c *collector) Report(event progress.Event) {
	defer func() {
		// send on a channel closed during shutdown
		_ = recover()
	}()
	select {
	case c.ch <- event:
	default:
	}
}
