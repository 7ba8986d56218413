package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailvec/stats"
)

// Bar tracks a long-running pipeline. All output goes to stderr, stdout is
// reserved for the JSON result.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	out     io.Writer
	title   string
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info" and quiet is not set. A
// total of zero is filled in later by a Total event.
func New(title string, total int, logLevel string, quiet bool) *Bar {
	bar := &Bar{
		out:     os.Stderr,
		title:   title,
		total:   total,
		enabled: logLevel == "info" && !quiet,
	}

	if bar.enabled {
		bar.start()
	}
	return bar
}

func (b *Bar) start() {
	if b.total <= 0 {
		return
	}
	pterm.Info.WithWriter(b.out).Printf("%s: %d records\n", b.title, b.total)
	pb, _ := pterm.DefaultProgressbar.
		WithWriter(b.out).
		WithTotal(b.total).
		WithTitle(b.title).
		Start()
	pb.Current = b.done
	b.pb = pb
}

// Update advances the bar. Archive runs count scanned messages, index runs
// count indexed and skipped records.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := evt.Count
	if n <= 0 {
		n = 1
	}

	switch evt.Type {
	case stats.EventTypeTotal:
		if b.pb == nil {
			b.total = evt.Count
			b.start()
		}
	case stats.EventTypeScanned, stats.EventTypeIndexed, stats.EventTypeUnchanged:
		b.advance(n)
	case stats.EventTypeSkipped:
		if evt.Stage == stats.StageIndex {
			b.advance(n)
		}
		if evt.Err != nil {
			pterm.Warning.WithWriter(b.out).Printf("Skipped: %v\n", evt.Err)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.WithWriter(b.out).Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) advance(n int) {
	b.done += n
	if b.pb != nil {
		b.pb.Add(n)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	pterm.Success.WithWriter(b.out).Println(b.title + " complete!")
}

// Subscriber feeds events into the bar until the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter wraps the stats collector with the progress bar and prints a
// summary when the pipeline ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(bar *Bar, logger *slog.Logger) *Reporter {
	return &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

// Subscribe attaches the reporter to a pipeline. Without an enabled bar it
// falls back to the slog stats reporter.
func (pr *Reporter) Subscribe(stream stats.EventStream) {
	if pr.bar == nil || !pr.bar.enabled {
		if pr.logger != nil {
			stats.NewReporter(stream, pr.logger)
		}
		return
	}
	stream.SubscribeStats("progress-bar", pr.bar.Subscriber)
	stream.SubscribeStats("progress-stats", pr.collectStats)
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	pr.bar.Stop()

	summary := pr.collector.Snapshot()
	out := pr.bar.out
	fmt.Fprintln(out)
	pterm.Info.WithWriter(out).Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	if summary.Scanned > 0 {
		pterm.Info.WithWriter(out).Printf("Scanned: %d\n", summary.Scanned)
		pterm.Info.WithWriter(out).Printf("Written: %d\n", summary.Written)
	}
	if summary.Indexed > 0 || summary.Total > 0 {
		pterm.Info.WithWriter(out).Printf("Indexed: %d\n", summary.Indexed)
		pterm.Info.WithWriter(out).Printf("Unchanged: %d\n", summary.Unchanged)
	}
	pterm.Info.WithWriter(out).Printf("Skipped: %d\n", summary.Skipped)
	if summary.LastError != nil {
		pterm.Error.WithWriter(out).Printf("Last error: %v\n", summary.LastError)
	}
	return nil
}
