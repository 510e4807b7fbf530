package drain

import (
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// fakeClock only moves when a test advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// runLog records the order actions ran in.
type runLog struct {
	mu  sync.Mutex
	ran []string
}

func (t *runLog) action(name string) Action {
	return Action{Origin: name, Run: func() { t.record(name) }}
}

func (t *runLog) record(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ran = append(t.ran, name)
}

func (t *runLog) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.ran...)
}

func origins(items []Action) []string {
	out := []string{}
	for _, a := range items {
		out = append(out, a.Origin)
	}
	return out
}

type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCapture) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, args)
	}, funcr.Options{Verbosity: 10})
}

func (c *logCapture) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

// tickUntil ticks d until done is closed or the timeout expires.
func tickUntil(d *Drainer, done <-chan struct{}, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case <-done:
			return true
		case <-deadline:
			return false
		default:
			d.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}
