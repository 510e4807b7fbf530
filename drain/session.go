package drain

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// session is one batch handed to the drainer. It is advanced one frame at a
// time by the drainer's worker and is never touched by any other goroutine.
type session struct {
	id         string
	items      []Action
	cursor     int
	budget     time.Duration
	clock      Clock
	frameStart time.Time
	log        logr.Logger
	onItem     func(done, total int)
}

// step runs one frame: items from the cursor on, until the frame budget is
// exceeded or the batch is exhausted. The budget is checked after every item,
// so a frame always makes progress. It returns true when the batch is done.
func (s *session) step() bool {
	s.frameStart = s.clock.Now()
	for s.cursor < len(s.items) {
		item := s.items[s.cursor]
		s.cursor++
		s.run(item)
		if s.onItem != nil {
			s.onItem(s.cursor, len(s.items))
		}
		if s.cursor < len(s.items) && s.clock.Now().Sub(s.frameStart) > s.budget {
			return false
		}
	}
	return true
}

func (s *session) run(a Action) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("%v", r), "deferred action panicked, continuing batch",
				"origin", a.Origin, "session", s.id, "index", s.cursor-1)
		}
	}()
	if a.Run != nil {
		a.Run()
	}
}

func (s *session) remaining() int {
	return len(s.items) - s.cursor
}
