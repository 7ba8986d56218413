package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/embedding"
	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/runner"
	"github.com/dhcgn/mailvec/state"
	"github.com/dhcgn/mailvec/stats"
	"github.com/dhcgn/mailvec/vectorstore"
)

const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
	DefaultInputBudget = 2000
)

type Options struct {
	CanonicalPath  string
	CollectionPath string
	CollectionName string

	// Model is resolved through embedding.New unless Embedder is set.
	Model            string
	Embedder         embedding.Embedder
	EmbeddingOptions embedding.Options

	BatchSize   int
	Concurrency int
	// InputBudget caps the embedding input in characters.
	InputBudget int
	// Rebuild drops the collection before indexing, which is the only way
	// to switch models.
	Rebuild bool
	// Incremental skips records whose embedding input is unchanged since
	// the last run, using a state file next to the collection.
	Incremental bool
	LockTimeout time.Duration

	Logger    *slog.Logger
	Subscribe func(stats.EventStream)
}

// Report summarizes an indexing run. Errors holds the recovered per-record
// embedding failures.
type Report struct {
	RunID       string  `json:"run_id"`
	Indexed     int     `json:"indexed"`
	Unchanged   int     `json:"unchanged"`
	Skipped     int     `json:"skipped"`
	RecordCount int     `json:"record_count"`
	ModelName   string  `json:"model_name"`
	ModelDim    int     `json:"model_dim"`
	Errors      []error `json:"-"`
}

func (o *Options) applyDefaults() {
	if o.CollectionName == "" {
		o.CollectionName = vectorstore.DefaultCollection
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.InputBudget <= 0 {
		o.InputBudget = DefaultInputBudget
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Run embeds every record of the canonical store and upserts it into the
// collection. A model that does not match the collection fails with
// model.ErrModelMismatch before anything is written.
func Run(ctx context.Context, opts Options) (Report, error) {
	opts.applyDefaults()

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = embedding.New(opts.Model, opts.EmbeddingOptions)
		if err != nil {
			return Report{}, err
		}
	}

	total, err := canonical.Count(opts.CanonicalPath)
	if err != nil {
		return Report{}, err
	}
	records, err := canonical.Open(opts.CanonicalPath)
	if err != nil {
		return Report{}, err
	}
	defer records.Close()

	store, err := vectorstore.Open(ctx, vectorstore.Options{
		Path:        opts.CollectionPath,
		Name:        opts.CollectionName,
		Mode:        vectorstore.ReadWrite,
		LockTimeout: opts.LockTimeout,
		Logger:      opts.Logger,
	})
	if err != nil {
		return Report{}, err
	}
	defer store.Close()

	if opts.Rebuild {
		if err := store.DeleteCollection(); err != nil {
			return Report{}, err
		}
	}

	meta, exists, err := store.Metadata()
	if err != nil {
		return Report{}, err
	}
	if err := guard(ctx, store, embedder, meta, exists); err != nil {
		return Report{}, err
	}

	var tracker state.Tracker
	if opts.Incremental {
		file, err := openTracker(ctx, opts, store, exists)
		if err != nil {
			return Report{}, err
		}
		defer func() {
			if err := file.Close(); err != nil {
				opts.Logger.Warn("close index state", "err", err)
			}
		}()
		tracker = file
	}

	runID := uuid.NewString()
	logger := opts.Logger.With("run", runID)
	logger.Info("indexing started", "canonical", opts.CanonicalPath, "collection", opts.CollectionName, "model", embedder.Name(), "records", total)

	r := runner.New(ctx, "index", logger)
	if opts.Subscribe != nil {
		opts.Subscribe(r)
	}

	job := &job{
		opts:     opts,
		runner:   r,
		records:  records,
		store:    store,
		embedder: embedder,
		tracker:  tracker,
		meta:     meta,
		exists:   exists,
		report:   Report{RunID: runID, ModelName: embedder.Name()},
	}
	r.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeTotal, Count: total})
	r.AddStage("index", job.run)
	if err := r.Wait(); err != nil {
		return Report{}, err
	}

	if err := job.finish(ctx); err != nil {
		return Report{}, err
	}
	attrs := []any{"indexed", job.report.Indexed, "unchanged", job.report.Unchanged, "skipped", job.report.Skipped, "records", job.report.RecordCount}
	if tracker != nil {
		attrs = append(attrs, "tracked", tracker.Snapshot().Records)
	}
	logger.Info("indexing finished", attrs...)
	return job.report, nil
}

// guard compares the configured model with the collection before any write.
// Remote models report their dimension only after the first call, so their
// dimension is checked again per batch.
func guard(ctx context.Context, store vectorstore.Store, embedder embedding.Embedder, meta vectorstore.CollectionMetadata, exists bool) error {
	if !exists {
		n, err := store.Count(ctx, filter.Criteria{})
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: collection holds %d records without model metadata; rebuild it", model.ErrModelMismatch, n)
		}
		return nil
	}
	if meta.ModelName != embedder.Name() {
		return fmt.Errorf("%w: collection was built with %q, configured model is %q; rebuild the collection to switch models", model.ErrModelMismatch, meta.ModelName, embedder.Name())
	}
	if dim := embedder.Dimension(); dim > 0 && dim != meta.ModelDim {
		return fmt.Errorf("%w: collection dimension %d, model %q produces %d", model.ErrModelMismatch, meta.ModelDim, embedder.Name(), dim)
	}
	return nil
}

// openTracker loads the index state. State left over from a dropped or
// emptied collection is discarded.
func openTracker(ctx context.Context, opts Options, store vectorstore.Store, exists bool) (*state.FileTracker, error) {
	tracker, err := state.NewFileTracker(state.Path(opts.CollectionPath, opts.CollectionName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrVectorStoreIO, err)
	}
	n, err := store.Count(ctx, filter.Criteria{})
	if err != nil {
		_ = tracker.Close()
		return nil, err
	}
	if !exists || n == 0 {
		if err := tracker.Reset(); err != nil {
			_ = tracker.Close()
			return nil, fmt.Errorf("%w: %w", model.ErrVectorStoreIO, err)
		}
	}
	return tracker, nil
}

type job struct {
	opts     Options
	runner   *runner.Runner
	records  *canonical.Reader
	store    vectorstore.Store
	embedder embedding.Embedder
	tracker  state.Tracker
	meta     vectorstore.CollectionMetadata
	exists   bool
	report   Report
}

func (j *job) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := j.records.NextBatch(j.opts.BatchSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := j.indexBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (j *job) indexBatch(ctx context.Context, batch []model.MessageRecord) error {
	inputs := make([]string, len(batch))
	fingerprints := make([]string, len(batch))
	skip := make([]bool, len(batch))
	unchanged := 0
	for i, rec := range batch {
		inputs[i] = Input(rec, j.opts.InputBudget)
		if j.tracker == nil {
			continue
		}
		fingerprints[i] = state.Fingerprint(j.embedder.Name(), inputs[i])
		if j.tracker.Unchanged(rec.ID, fingerprints[i]) {
			skip[i] = true
			unchanged++
		}
	}

	vectors := make([][]float32, len(batch))
	failures := make([]error, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Concurrency)
	for i, rec := range batch {
		if skip[i] {
			continue
		}
		g.Go(func() error {
			vec, err := j.embedder.Embed(gctx, inputs[i])
			if err != nil {
				if embedding.IsRecoverable(err) {
					failures[i] = fmt.Errorf("record %s: %w", rec.ID, err)
					return nil
				}
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			j.runner.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeError, Err: err})
		}
		return err
	}

	entries := make([]vectorstore.Entry, 0, len(batch))
	marks := make([]int, 0, len(batch))
	for i, rec := range batch {
		if vectors[i] == nil {
			continue
		}
		marks = append(marks, i)
		entries = append(entries, vectorstore.Entry{
			ID:       rec.ID,
			Vector:   vectors[i],
			Metadata: model.Metadata(rec),
			Content:  rec.BodyText,
		})
	}

	if len(entries) > 0 {
		if err := j.pinModel(len(entries[0].Vector)); err != nil {
			return err
		}
		if err := j.store.Upsert(ctx, entries); err != nil {
			return err
		}
		j.report.Indexed += len(entries)
		j.runner.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeIndexed, Count: len(entries)})

		if j.tracker != nil {
			for _, i := range marks {
				if err := j.tracker.Mark(batch[i].ID, fingerprints[i]); err != nil {
					return fmt.Errorf("%w: %w", model.ErrVectorStoreIO, err)
				}
			}
			if err := j.tracker.Flush(); err != nil {
				return fmt.Errorf("%w: %w", model.ErrVectorStoreIO, err)
			}
		}
	}

	if unchanged > 0 {
		j.report.Unchanged += unchanged
		j.runner.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeUnchanged, Count: unchanged})
	}

	for _, err := range failures {
		if err == nil {
			continue
		}
		j.report.Skipped++
		j.report.Errors = append(j.report.Errors, err)
		j.runner.Logger().Warn("skipping record", "err", err)
		j.runner.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeSkipped, Err: err})
	}
	return nil
}

// pinModel stores the collection metadata on the first write and rejects
// vectors of a different dimension afterwards.
func (j *job) pinModel(dim int) error {
	if j.exists {
		if dim != j.meta.ModelDim {
			return fmt.Errorf("%w: collection dimension %d, model %q produced %d", model.ErrModelMismatch, j.meta.ModelDim, j.embedder.Name(), dim)
		}
		return nil
	}

	now := time.Now().UTC()
	j.meta = vectorstore.CollectionMetadata{
		ModelName: j.embedder.Name(),
		ModelDim:  dim,
		CreatedAt: now,
		UpdatedAt: now,
		LastRunID: j.report.RunID,
	}
	if err := j.store.SetMetadata(j.meta); err != nil {
		return err
	}
	j.exists = true
	return nil
}

func (j *job) finish(ctx context.Context) error {
	if !j.exists {
		dim := j.embedder.Dimension()
		if dim <= 0 {
			// Nothing was embedded and the dimension is still unknown.
			return nil
		}
		if err := j.pinModel(dim); err != nil {
			return err
		}
	}

	count, err := j.store.Count(ctx, filter.Criteria{})
	if err != nil {
		return err
	}
	j.meta.RecordCount = count
	j.meta.UpdatedAt = time.Now().UTC()
	j.meta.LastRunID = j.report.RunID
	if err := j.store.SetMetadata(j.meta); err != nil {
		return err
	}

	j.report.RecordCount = count
	j.report.ModelDim = j.meta.ModelDim
	return nil
}

// Input renders the text embedded for rec: sender, subject and body with
// whitespace collapsed, cut to budget characters.
func Input(rec model.MessageRecord, budget int) string {
	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(collapse(rec.SenderName))
	if rec.SenderAddress != "" {
		if rec.SenderName != "" {
			b.WriteString(" ")
		}
		b.WriteString("<" + rec.SenderAddress + ">")
	}
	b.WriteString("\nSubject: ")
	b.WriteString(collapse(rec.Subject))
	b.WriteString("\n\n")
	b.WriteString(collapse(rec.BodyText))

	return truncate(b.String(), budget)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
