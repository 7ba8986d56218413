package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageArchive   Stage = "archive"
	StageCanonical Stage = "canonical"
	StageIndex     Stage = "index"
)

type EventType string

const (
	EventTypeScanned EventType = "scanned"
	EventTypeWritten EventType = "written"
	EventTypeSkipped EventType = "skipped"
	EventTypeIndexed EventType = "indexed"
	// EventTypeUnchanged counts records an incremental run did not re-embed.
	EventTypeUnchanged EventType = "unchanged"
	EventTypeTotal     EventType = "total"
	EventTypeError     EventType = "error"
)

// Event is emitted by pipeline stages. Count is the number of records the
// event stands for (a committed batch reports its size); zero means one.
type Event struct {
	Stage    Stage
	Type     EventType
	RecordID string
	Count    int
	Err      error
}

func (e Event) n() int {
	if e.Count <= 0 {
		return 1
	}
	return e.Count
}

type Summary struct {
	Total     int
	Scanned   int
	Written   int
	Skipped   int
	Indexed   int
	Unchanged int
	Errors    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"written", s.Written,
		"indexed", s.Indexed,
		"unchanged", s.Unchanged,
		"skipped", s.Skipped,
		"errors", s.Errors,
	}
	if s.Total > 0 {
		attrs = append(attrs, "total", s.Total)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeTotal:
		c.summary.Total = evt.Count
	case EventTypeScanned:
		c.summary.Scanned += evt.n()
	case EventTypeWritten:
		c.summary.Written += evt.n()
	case EventTypeSkipped:
		c.summary.Skipped += evt.n()
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeIndexed:
		c.summary.Indexed += evt.n()
	case EventTypeUnchanged:
		c.summary.Unchanged += evt.n()
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is a counted key.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties ordered by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
