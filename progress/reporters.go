package progress

// NoopReporter discards all events.
//
// Progress falls back to it when New is called without WithReporters, so a
// monitor with rendering disabled costs nothing beyond the dispatch itself.
type NoopReporter struct{}

// NewNoopReporter is used when --progress-output is not specified.
func NewNoopReporter() *NoopReporter {
	return &NoopReporter{}
}

func (n *NoopReporter) Report(event Event) {}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(event Event)

// Report implements Reporter. A nil ReporterFunc drops the event.
func (f ReporterFunc) Report(event Event) {
	if f == nil {
		return
	}
	f(event)
}
