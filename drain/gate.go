package drain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds how long Gate.Wait sleeps between checks of the
// finished flag.
const DefaultPollInterval = 50 * time.Millisecond

// Gate lets a foreground path wait for a drain as if it were synchronous.
// It is opened exactly once, as the drain's very last action, so everything
// the drain did happens before Wait returns.
type Gate struct {
	finished atomic.Bool
	once     sync.Once
	done     chan struct{}
	poll     time.Duration
}

func NewGate() *Gate {
	return newGate(DefaultPollInterval)
}

func newGate(poll time.Duration) *Gate {
	return &Gate{
		done: make(chan struct{}),
		poll: poll,
	}
}

// Open marks the gate finished and releases every waiter. Later calls do
// nothing.
func (g *Gate) Open() {
	g.once.Do(func() {
		g.finished.Store(true)
		close(g.done)
	})
}

func (g *Gate) Finished() bool {
	return g.finished.Load()
}

// Done is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate opens or ctx is done. Every wake-up re-checks
// the finished flag, and between wake-ups it sleeps for at most the poll
// interval. Cancelling ctx only stops the wait, never the drain.
func (g *Gate) Wait(ctx context.Context) error {
	timer := time.NewTimer(g.poll)
	defer timer.Stop()
	for !g.finished.Load() {
		select {
		case <-g.done:
		case <-ctx.Done():
			if g.finished.Load() {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
			timer.Reset(g.poll)
		}
	}
	return nil
}
