package drain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionQueue_SwapPrependAppend(t *testing.T) {
	tr := &runLog{}
	q := NewActionQueue(tr.action("a"), tr.action("b"))

	taken := q.Swap(nil)
	assert.Equal(t, []string{"a", "b"}, origins(taken))
	assert.Zero(t, q.Len())

	q.Enqueue(tr.action("host"))
	q.Prepend([]Action{tr.action("p1"), tr.action("p2")})
	q.Append([]Action{tr.action("z")})
	q.Prepend(nil)
	q.Append(nil)

	assert.Equal(t, []string{"p1", "p2", "host", "z"}, origins(q.Snapshot()))
}

func TestActionQueue_SwapDoesNotAlias(t *testing.T) {
	tr := &runLog{}
	q := NewActionQueue()
	next := []Action{tr.action("a")}
	q.Swap(next)
	next[0] = tr.action("mutated")
	assert.Equal(t, []string{"a"}, origins(q.Snapshot()))
}

func TestActionQueue_FlushRunsNewlyQueuedActions(t *testing.T) {
	tr := &runLog{}
	q := NewActionQueue()
	q.Enqueue(tr.action("a"))
	q.Enqueue(Action{Origin: "spawner", Run: func() {
		tr.record("spawner")
		q.Enqueue(tr.action("spawned"))
	}})

	assert.Equal(t, 3, q.Flush())
	assert.Equal(t, []string{"a", "spawner", "spawned"}, tr.names())
	assert.Zero(t, q.Len())
}

func TestActionQueue_FlushPanicKeepsTail(t *testing.T) {
	tr := &runLog{}
	q := NewActionQueue(tr.action("a"), Action{Origin: "bad", Run: func() { panic("boom") }}, tr.action("c"))

	assert.Panics(t, func() { q.Flush() })
	assert.Equal(t, []string{"a"}, tr.names())
	assert.Equal(t, []string{"c"}, origins(q.Snapshot()))
}
