package canonical

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mailvec/mbox"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/runner"
	"github.com/dhcgn/mailvec/stats"
)

type Options struct {
	Logger *slog.Logger
	// Subscribe registers event consumers, such as a progress bar, before
	// the pipeline starts.
	Subscribe func(stats.EventStream)
}

// Result summarizes a process run. Errors holds the recovered decode errors
// in archive order.
type Result struct {
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	Errors    []error `json:"-"`
}

// ErrorStrings is Errors in printable form.
func (r Result) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

// ProcessArchive streams the archive into a fresh canonical store at
// outputPath. The store is replaced only when the whole archive was read.
func ProcessArchive(ctx context.Context, reader mbox.Reader, outputPath string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	writer, err := NewWriter(outputPath)
	if err != nil {
		return Result{}, err
	}

	r := runner.New(ctx, "process-archive", logger)
	if opts.Subscribe != nil {
		opts.Subscribe(r)
	}

	producer := mbox.NewProducer(reader, r)
	canonicalizer := &canonicalizer{runner: r, writer: writer, envelopes: producer.Envelopes()}
	r.AddStage("canonical", canonicalizer.run)

	if err := r.Wait(); err != nil {
		if abortErr := writer.Abort(); abortErr != nil {
			logger.Warn("discard canonical temp file", "err", abortErr)
		}
		return Result{}, err
	}

	written := writer.Count()
	if err := writer.Commit(); err != nil {
		return Result{}, err
	}

	result := canonicalizer.result
	logger.Info("canonical store written", "path", outputPath, "records", written, "processed", result.Processed, "skipped", result.Skipped)
	return result, nil
}

type canonicalizer struct {
	runner    *runner.Runner
	writer    *Writer
	envelopes <-chan model.Envelope
	result    Result
}

func (c *canonicalizer) run(ctx context.Context) error {
	for env := range c.envelopes {
		c.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeScanned})

		if env.Err != nil {
			c.result.Skipped++
			c.result.Errors = append(c.result.Errors, env.Err)
			c.runner.EmitEvent(stats.Event{Stage: stats.StageCanonical, Type: stats.EventTypeSkipped, Err: env.Err})
			continue
		}

		rec := env.Record
		rec.ID = RecordID(rec.FolderPath, rec.Index, rec.NativeID)
		if err := c.writer.Write(rec); err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
		c.result.Processed++
		c.runner.EmitEvent(stats.Event{Stage: stats.StageCanonical, Type: stats.EventTypeWritten, RecordID: rec.ID})
	}
	return ctx.Err()
}
