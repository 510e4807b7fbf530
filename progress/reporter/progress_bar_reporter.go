package reporter

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/konveyor/load-progress/progress"
)

// ProgressBarReporter draws the active stage as a bar updated in place.
//
// Stage activations are printed as static lines and the active stage's
// progress is redrawn with carriage returns. It is meant for a TTY; use
// TextReporter or JSONReporter when output is piped.
//
// Once a faulted event arrives the bar is cleared and every later event is
// ignored, so a broken sequence never leaves a frozen or lying bar behind.
//
// Example output:
//
//	[1/4] Loading definitions (last run: 2.1s)
//	Loading definitions  42% |██████████░░░░░░░░░░░░░░░| 17/40  Core/ThingDefs.xml
//	Load complete!
type ProgressBarReporter struct {
	writer      io.Writer
	mu          sync.Mutex
	barWidth    int
	maxStepLen  int
	lastLineLen int
	hidden      bool
}

// NewProgressBarReporter creates a new progress bar reporter that writes to w.
// The bar is 25 cells wide.
func NewProgressBarReporter(w io.Writer) *ProgressBarReporter {
	return &ProgressBarReporter{
		writer:     w,
		barWidth:   25,
		maxStepLen: 50,
	}
}

// Report updates the bar for one event. Safe for concurrent use.
func (p *ProgressBarReporter) Report(event progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hidden {
		return
	}
	event.Normalize()

	switch event.Kind {
	case progress.KindActivated:
		p.clearLine()
		line := fmt.Sprintf("[%d/%d] %s", event.StageIndex+1, event.StageCount, event.Stage)
		if last, ok := event.LastDuration(); ok {
			line += fmt.Sprintf(" (last run: %s)", last)
		}
		fmt.Fprintln(p.writer, line)

	case progress.KindProgress:
		if event.Total > 0 {
			p.updateProgressBar(event)
		}

	case progress.KindFinished:
		p.clearLine()
		fmt.Fprintln(p.writer, "Load complete!")

	case progress.KindFaulted:
		p.clearLine()
		p.hidden = true

	default:
		p.clearLine()
		if event.Message != "" {
			fmt.Fprintln(p.writer, event.Message)
		}
	}
}

// updateProgressBar overwrites the previous bar and draws the new one. A
// full bar is terminated with a newline so it stays visible.
func (p *ProgressBarReporter) updateProgressBar(event progress.Event) {
	barString := p.buildProgressBar(event)

	if p.lastLineLen > 0 {
		fmt.Fprint(p.writer, "\r")
		fmt.Fprint(p.writer, strings.Repeat(" ", p.lastLineLen))
		fmt.Fprint(p.writer, "\r")
	}

	fmt.Fprint(p.writer, barString)
	p.lastLineLen = utf8.RuneCountInString(barString)

	if event.Current >= event.Total {
		fmt.Fprint(p.writer, "\n")
		p.lastLineLen = 0
	}
}

// buildProgressBar returns a line like
// "Loading definitions  42% |██████████░░░░░░░░░░░░░░░| 17/40  Core/ThingDefs.xml".
func (p *ProgressBarReporter) buildProgressBar(event progress.Event) string {
	filledWidth := int(float64(p.barWidth) * event.Percent / 100.0)
	if filledWidth > p.barWidth {
		filledWidth = p.barWidth
	}
	if filledWidth < 0 {
		filledWidth = 0
	}
	emptyWidth := p.barWidth - filledWidth

	visualBar := fmt.Sprintf("|%s%s|", strings.Repeat("█", filledWidth), strings.Repeat("░", emptyWidth))
	percentStr := fmt.Sprintf("%3d%%", int(event.Percent))
	countStr := fmt.Sprintf("%d/%d", event.Current, event.Total)

	line := fmt.Sprintf("%s %s %s %s", event.Stage, percentStr, visualBar, countStr)
	if event.Step != "" {
		step := event.Step
		if utf8.RuneCountInString(step) > p.maxStepLen {
			step = string([]rune(step)[:p.maxStepLen-3]) + "..."
		}
		line += "  " + step
	}
	if event.Error {
		line += "  !"
	}
	return line
}

// clearLine wipes a half drawn bar before a static line is printed.
func (p *ProgressBarReporter) clearLine() {
	if p.lastLineLen > 0 {
		fmt.Fprint(p.writer, "\r")
		fmt.Fprint(p.writer, strings.Repeat(" ", p.lastLineLen))
		fmt.Fprint(p.writer, "\r")
		p.lastLineLen = 0
	}
}
