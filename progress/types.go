// Package progress carries progress snapshots of a host's load pipeline from
// the sequencer to pluggable reporters.
//
// The sequencer produces an Event on every poll in which the active stage's
// progress changed, plus one when a stage becomes active, when the whole
// sequence finishes and when the engine hits a consistency fault. Events
// travel through collectors into the Progress hub, which fans them out to
// reporters, each running on its own goroutine so a slow terminal never
// holds up the host's tick loop.
//
// Basic usage:
//
//	col := collector.NewThrottledCollector()
//	prog, err := progress.New(
//	    progress.WithContext(ctx),
//	    progress.WithCollectors(col),
//	    progress.WithReporters(reporter.NewProgressBarReporter(os.Stderr)),
//	)
//
//	// hand col to the sequencer through sequencer.NewCollectorObserver
package progress

import (
	"time"
)

// ProgressInterface defines the contract for managing collector subscriptions.
//
// This interface is implemented by the Progress struct and allows for
// dynamic subscription management - collectors can be added or removed
// at runtime.
type ProgressInterface interface {
	// Subscribe starts receiving events from a collector.
	Subscribe(collector Collector)

	// Unsubscribe stops receiving events from a collector.
	Unsubscribe(collector Collector)
}

// Reporter is the interface for outputting progress events.
//
// Reporters receive events from Progress and format/output them in various ways:
//   - TextReporter: Human-readable text output with timestamps
//   - JSONReporter: Structured JSON for logging or external consumers
//   - ProgressBarReporter: Interactive terminal progress bars
//   - ChannelReporter: Exposes events via a Go channel for programmatic use
//   - NoopReporter: Discards events (used as default when no reporter configured)
//
// Implementations must be safe for concurrent use. The Report method should
// not block, as it's called from Progress's reporter worker goroutines.
type Reporter interface {
	// Report outputs a progress event.
	Report(event Event)
}

// Collector is the interface for gathering progress events from various sources.
//
// Collectors accept events via Report and make them available through a
// channel that Progress subscribes to. This decouples the sequencer, which
// runs on the host's tick loop, from reporting.
type Collector interface {
	Reporter

	// ID returns a unique identifier for this collector.
	// Used by Progress to manage subscriptions and unsubscriptions.
	ID() int

	// CollectChannel returns the channel from which Progress reads events.
	CollectChannel() chan Event
}

// Kind says what happened to produce an Event.
type Kind string

const (
	// KindActivated is emitted when the sequencer selects a stage.
	KindActivated Kind = "activated"

	// KindProgress is emitted when the active stage's progress changed.
	KindProgress Kind = "progress"

	// KindFinished is emitted once, after the last stage completed.
	// Reporters stop rendering.
	KindFinished Kind = "finished"

	// KindFaulted is emitted once when the engine detected an inconsistent
	// stage sequence. Reporters hide the overlay for the rest of the run.
	KindFaulted Kind = "faulted"
)

// Event is an immutable snapshot of one stage at one instant, the report a
// renderer draws from. It is produced fresh on every poll and passed by
// value; Metadata must not be modified after the event has been dispatched.
type Event struct {
	// Timestamp is when the snapshot was taken. Reporters fill it in when
	// zero.
	Timestamp time.Time `json:"timestamp"`

	Kind Kind `json:"kind"`

	// Stage is the active stage's display name.
	Stage string `json:"stage,omitempty"`

	// Step is the optional sub-label describing the in-flight unit of work.
	Step string `json:"step,omitempty"`

	// Current is the clamped display progress, never above Total.
	Current int `json:"current,omitempty"`

	// Total is the stage's maximum progress, at least 1 for progress events.
	Total int `json:"total,omitempty"`

	// Percent is the completion percentage (0-100) of the stage.
	// Calculated from Current and Total if not set.
	Percent float64 `json:"percent,omitempty"`

	// StageIndex is the zero based position of the stage in the sequence.
	StageIndex int `json:"stageIndex"`

	// StageCount is the number of stages in the sequence.
	StageCount int `json:"stageCount"`

	// Error is set when the stage flagged itself as failing.
	Error bool `json:"error,omitempty"`

	// Message provides human-readable context, e.g. the fault that hid the
	// overlay.
	Message string `json:"message,omitempty"`

	// Metadata contains additional information such as hints from the
	// previous run.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize fills the timestamp when zero and calculates Percent from
// Current and Total when Percent is not set.
func (e *Event) Normalize() {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Percent == 0.0 && e.Total > 0 {
		e.Percent = float64(e.Current) / float64(e.Total) * 100.0
	}
}

// SameProgress reports whether two events describe the same displayed
// state, ignoring timestamps and metadata.
func (e Event) SameProgress(o Event) bool {
	return e.Kind == o.Kind &&
		e.Stage == o.Stage &&
		e.Step == o.Step &&
		e.Current == o.Current &&
		e.Total == o.Total &&
		e.StageIndex == o.StageIndex &&
		e.StageCount == o.StageCount &&
		e.Error == o.Error
}

// Metadata keys set on activated events when a previous run left hints.
const (
	// MetadataLastDuration holds how long the stage took last run, as a
	// time.Duration string.
	MetadataLastDuration = "lastDuration"

	// MetadataLastMaximum holds the stage's maximum progress last run.
	MetadataLastMaximum = "lastMaximum"
)

// LastDuration returns the previous run's duration hint, if any.
func (e Event) LastDuration() (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	d, ok := e.Metadata[MetadataLastDuration].(string)
	return d, ok && d != ""
}
