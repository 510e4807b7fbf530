package hintcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/sequencer"
	"github.com/konveyor/load-progress/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "hints.yaml"), CurrentVersion, logr.Discard())
	h, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, h.Version)
	assert.Empty(t, h.Stages)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hints.yaml")
	s := NewStore(path, CurrentVersion, logr.Discard())

	h := NewHints(CurrentVersion)
	h.Set("Loading definitions", StageHint{LastMaximum: 40, LastStep: "Core/ThingDefs.xml", Duration: 2100 * time.Millisecond})
	require.NoError(t, s.Save(h))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "version: 1")
	assert.Contains(t, string(content), "duration: 2.1s")

	loaded, err := s.Load()
	require.NoError(t, err)
	hint, ok := loaded.Get("Loading definitions")
	require.True(t, ok)
	assert.Equal(t, 40, hint.LastMaximum)
	assert.Equal(t, "Core/ThingDefs.xml", hint.LastStep)
	assert.Equal(t, 2100*time.Millisecond, hint.Duration)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestStore_VersionMismatchDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	old := NewStore(path, 1, logr.Discard())
	h := NewHints(1)
	h.Set("A", StageHint{LastMaximum: 3})
	require.NoError(t, old.Save(h))

	s := NewStore(path, 2, logr.Discard())
	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Empty(t, loaded.Stages)
}

func TestStore_CorruptFileDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: [unterminated"), 0o644))

	loaded, err := NewStore(path, CurrentVersion, logr.Discard()).Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.Stages)
}

func TestStore_Discard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	s := NewStore(path, CurrentVersion, logr.Discard())
	require.NoError(t, s.Save(NewHints(CurrentVersion)))
	require.NoError(t, s.Discard())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Discard())
}

func TestHints_NilSafe(t *testing.T) {
	var h *Hints
	_, ok := h.Get("A")
	assert.False(t, ok)
}

func TestRecorder_SavesOnFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	store := NewStore(path, CurrentVersion, logr.Discard())
	rec := NewRecorder(store, logr.Discard())

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return clock }

	a := stage.NewBase("A", 3)
	b := stage.NewBase("B", 1)
	seq := sequencer.New(sequencer.WithStages(a, b), sequencer.WithObservers(rec))
	require.NoError(t, seq.Start())

	a.SetStep("a.xml")
	seq.Tick()
	clock = clock.Add(2 * time.Second)
	a.Complete()
	seq.Tick()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing saved before the sequence finishes")

	clock = clock.Add(500 * time.Millisecond)
	b.Complete()
	seq.Tick()

	loaded, err := store.Load()
	require.NoError(t, err)

	hintA, ok := loaded.Get("A")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, hintA.Duration)
	assert.Equal(t, 3, hintA.LastMaximum)
	assert.Equal(t, "a.xml", hintA.LastStep)

	hintB, ok := loaded.Get("B")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, hintB.Duration)
	assert.Equal(t, rec.Hints().Stages, loaded.Stages)
}

func TestRecorder_FaultSavesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	rec := NewRecorder(NewStore(path, CurrentVersion, logr.Discard()), logr.Discard())

	rec.OnChange(sequencer.Notification{Event: progress.Event{Kind: progress.KindActivated, Stage: "A", Total: 2}})
	rec.OnChange(sequencer.Notification{Event: progress.Event{Kind: progress.KindFaulted}})

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, rec.Hints().Stages)
}

func TestAnnotator(t *testing.T) {
	h := NewHints(CurrentVersion)
	h.Set("A", StageHint{LastMaximum: 40, Duration: 2149 * time.Millisecond})
	annotate := Annotator(h)

	md := annotate(stage.NewBase("A", 1), progress.Event{})
	assert.Equal(t, "2.1s", md[progress.MetadataLastDuration])
	assert.Equal(t, 40, md[progress.MetadataLastMaximum])

	assert.Nil(t, annotate(stage.NewBase("unknown", 1), progress.Event{}))
	assert.Nil(t, Annotator(nil)(stage.NewBase("A", 1), progress.Event{}))
}
