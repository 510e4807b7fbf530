package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/konveyor/load-progress/progress"
)

// JSONReporter writes progress events as newline-delimited JSON (NDJSON).
//
// Each line is a complete JSON object so a consumer can tail the stream
// while the host is still loading.
//
// Example output:
//
//	{"timestamp":"2024-10-29T17:06:14Z","kind":"activated","stage":"Loading definitions","stageIndex":0,"stageCount":4}
//	{"timestamp":"2024-10-29T17:06:14Z","kind":"progress","stage":"Loading definitions","current":12,"total":40,"percent":30,"stageIndex":0,"stageCount":4}
//	{"timestamp":"2024-10-29T17:06:17Z","kind":"finished","stageIndex":3,"stageCount":4}
type JSONReporter struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONReporter creates a new JSON progress reporter that writes to w.
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{
		writer: w,
	}
}

// Report writes a progress event as a JSON line. Marshal and write errors
// are dropped so reporting never disturbs the host.
func (j *JSONReporter) Report(event progress.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	event.Normalize()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintln(j.writer, string(data))
}
