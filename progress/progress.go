package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Progress is the hub between the sequencer and the renderers.
//
// Collectors are filled from the host's tick loop; Progress reads them on
// its own goroutines, merges them into one stream and hands every event to
// each reporter's worker. The tick loop therefore never waits for a
// terminal, a file or a JSON encoder.
//
//	col := collector.NewThrottledCollector()
//	prog, err := progress.New(
//	    progress.WithContext(ctx),
//	    progress.WithReporters(reporter.NewTextReporter(os.Stderr)),
//	    progress.WithCollectors(col),
//	)
//
// Cancelling the context stops every goroutine Progress started. Events
// still buffered at that point are dropped.
type Progress struct {
	ctx                context.Context
	log                logr.Logger
	reporters          []Reporter
	reporterChannels   []chan Event
	collectors         []Collector
	collectorChan      chan Event
	collecterCancelMap map[int]context.CancelFunc
	subscribeMutex     sync.Mutex
	pending            atomic.Int64
}

var _ ProgressInterface = &Progress{}

// ProgressOption configures a Progress instance during creation.
type ProgressOption func(p *Progress)

// WithContext bounds the lifetime of the hub's goroutines.
func WithContext(ctx context.Context) ProgressOption {
	return func(p *Progress) {
		p.ctx = ctx
	}
}

// WithLogger sets the logger used for reporter failures.
func WithLogger(log logr.Logger) ProgressOption {
	return func(p *Progress) {
		p.log = log
	}
}

// WithReporters adds reporters; each one receives every event.
func WithReporters(reporters ...Reporter) ProgressOption {
	return func(p *Progress) {
		p.reporters = append(p.reporters, reporters...)
	}
}

// WithCollectors subscribes the hub to collectors at creation.
func WithCollectors(collectors ...Collector) ProgressOption {
	return func(p *Progress) {
		p.collectors = append(p.collectors, collectors...)
	}
}

// New starts the hub. Without reporters it renders through a NoopReporter;
// without a context it runs until the process exits.
func New(opts ...ProgressOption) (*Progress, error) {
	pg := &Progress{
		collectorChan:      make(chan Event, 100),
		collecterCancelMap: map[int]context.CancelFunc{},
		log:                logr.Discard(),
	}
	for _, opt := range opts {
		opt(pg)
	}
	if pg.ctx == nil {
		pg.ctx = context.Background()
	}

	if len(pg.reporters) == 0 {
		pg.reporters = append(pg.reporters, &NoopReporter{})
	}

	for _, reporter := range pg.reporters {
		reporterChannel := make(chan Event, 100)
		pg.reporterChannels = append(pg.reporterChannels, reporterChannel)
		go pg.reporterWorker(reporter, reporterChannel)
	}

	go pg.fanOut()

	for _, collector := range pg.collectors {
		pg.Subscribe(collector)
	}

	return pg, nil
}

func (p *Progress) fanOut() {
	for {
		select {
		case event := <-p.collectorChan:
			for _, ch := range p.reporterChannels {
				select {
				case ch <- event:
				case <-p.ctx.Done():
					return
				}
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Unsubscribe stops reading from collector. Events already taken from it
// are still delivered.
func (p *Progress) Unsubscribe(collector Collector) {
	p.subscribeMutex.Lock()
	subscribeCancel, ok := p.collecterCancelMap[collector.ID()]
	delete(p.collecterCancelMap, collector.ID())
	p.subscribeMutex.Unlock()
	if ok {
		subscribeCancel()
	}
}

// Subscribe starts reading events from collector until Unsubscribe is
// called or the hub's context is done.
func (p *Progress) Subscribe(collector Collector) {
	subscribeContext, subscribeCancel := context.WithCancel(p.ctx)
	p.subscribeMutex.Lock()
	p.collecterCancelMap[collector.ID()] = subscribeCancel
	p.subscribeMutex.Unlock()

	go func() {
		for {
			select {
			case event := <-collector.CollectChannel():
				fan := int64(len(p.reporterChannels))
				p.pending.Add(fan)
				select {
				case p.collectorChan <- event:
				case <-subscribeContext.Done():
					p.pending.Add(-fan)
					return
				}
			case <-subscribeContext.Done():
				return
			}
		}
	}()
}

// Flush blocks until every event Progress already took from a collector was
// handed to each reporter, or until ctx is done. Events still buffered inside
// a collector's channel are not waited for.
func (p *Progress) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
	return nil
}

func (p *Progress) reporterWorker(reporter Reporter, events chan Event) {
	for {
		select {
		case event := <-events:
			p.report(reporter, event)
			p.pending.Add(-1)
		case <-p.ctx.Done():
			return
		}
	}
}

// report isolates the hub from a panicking reporter; the event is lost but
// the reporter keeps receiving later events.
func (p *Progress) report(reporter Reporter, event Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(fmt.Errorf("%v", r), "reporter panicked", "reporter", fmt.Sprintf("%T", reporter), "kind", event.Kind)
		}
	}()
	reporter.Report(event)
}
