package reporter

import (
	"fmt"
	"io"
	"sync"

	"github.com/konveyor/load-progress/progress"
)

// TextReporter writes progress events as human-readable text with timestamps.
//
// It suits log files and terminals that do not support cursor movement; use
// ProgressBarReporter for interactive output.
//
// Example output:
//
//	[17:06:14] Stage 1/4: Loading definitions (last run: 2.1s)
//	[17:06:14] Loading definitions: 12/40 (30.0%) - Core/ThingDefs.xml
//	[17:06:15] Stage 2/4: Resolving cross references
//	[17:06:17] Load complete!
type TextReporter struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewTextReporter creates a new text progress reporter that writes to w.
func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{
		writer: w,
	}
}

// Report writes a progress event as one line of text. Safe for concurrent use.
func (t *TextReporter) Report(event progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	event.Normalize()
	ts := event.Timestamp.Format("15:04:05")

	var output string
	switch event.Kind {
	case progress.KindActivated:
		output = fmt.Sprintf("[%s] Stage %d/%d: %s", ts, event.StageIndex+1, event.StageCount, event.Stage)
		if last, ok := event.LastDuration(); ok {
			output += fmt.Sprintf(" (last run: %s)", last)
		}
		output += "\n"
	case progress.KindProgress:
		output = fmt.Sprintf("[%s] %s: %d/%d (%.1f%%)", ts, event.Stage, event.Current, event.Total, event.Percent)
		if event.Step != "" {
			output += " - " + event.Step
		}
		if event.Error {
			output += " [error]"
		}
		output += "\n"
	case progress.KindFinished:
		output = fmt.Sprintf("[%s] Load complete!\n", ts)
	case progress.KindFaulted:
		output = fmt.Sprintf("[%s] Progress display disabled: %s\n", ts, event.Message)
	default:
		if event.Message != "" {
			output = fmt.Sprintf("[%s] %s\n", ts, event.Message)
		}
	}

	if output != "" {
		t.writer.Write([]byte(output))
	}
}
