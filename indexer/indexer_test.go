package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/embedding"
	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/stats"
	"github.com/dhcgn/mailvec/vectorstore"
)

type dataset struct {
	canonical string
	vectors   string
}

func newDataset(t *testing.T, n int, body func(i int) string) dataset {
	t.Helper()
	dir := t.TempDir()
	ds := dataset{canonical: filepath.Join(dir, canonical.FileName), vectors: filepath.Join(dir, "vectors")}

	w, err := canonical.NewWriter(ds.canonical)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		sent := time.Date(2024, 1, 1+i, 9, 0, 0, 0, time.UTC)
		rec := model.MessageRecord{
			NativeID:      fmt.Sprintf("m%d@example.com", i),
			Subject:       fmt.Sprintf("Status update %d", i),
			SenderName:    "Alice",
			SenderAddress: "alice@example.com",
			FolderPath:    "Inbox",
			SentAt:        &sent,
			BodyText:      body(i),
			Index:         i,
		}
		rec.ID = canonical.RecordID(rec.FolderPath, rec.Index, rec.NativeID)
		if err := w.Write(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	return ds
}

func plainBody(i int) string {
	return fmt.Sprintf("Message number %d about the project timeline", i)
}

func (ds dataset) options(modelName string) Options {
	return Options{
		CanonicalPath:  ds.canonical,
		CollectionPath: ds.vectors,
		Model:          modelName,
		BatchSize:      4,
		LockTimeout:    time.Second,
	}
}

func (ds dataset) metadata(t *testing.T) (vectorstore.CollectionMetadata, int) {
	t.Helper()
	s, err := vectorstore.Open(context.Background(), vectorstore.Options{Path: ds.vectors, LockTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	meta, ok, err := s.Metadata()
	if err != nil || !ok {
		t.Fatalf("Metadata() = %v, %v", ok, err)
	}
	n, err := s.Count(context.Background(), filter.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	return meta, n
}

func TestRun_Idempotent(t *testing.T) {
	ds := newDataset(t, 10, plainBody)

	first, err := Run(context.Background(), ds.options("hash-64"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.Indexed != 10 || first.Skipped != 0 || first.RecordCount != 10 || first.ModelDim != 64 {
		t.Fatalf("first report = %+v", first)
	}

	before := vectors(t, ds)
	second, err := Run(context.Background(), ds.options("hash-64"))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.RecordCount != 10 {
		t.Errorf("RecordCount = %d after re-index, want 10", second.RecordCount)
	}
	if second.RunID == first.RunID {
		t.Error("run ids repeat")
	}

	after := vectors(t, ds)
	for id, vec := range before {
		other := after[id]
		if len(other) != len(vec) {
			t.Fatalf("vector %s changed length", id)
		}
		for i := range vec {
			if vec[i] != other[i] {
				t.Fatalf("vector %s changed at %d", id, i)
			}
		}
	}

	meta, n := ds.metadata(t)
	if meta.RecordCount != 10 || n != 10 || meta.LastRunID != second.RunID || meta.ModelName != "hash-64" {
		t.Errorf("metadata = %+v, count = %d", meta, n)
	}
}

func vectors(t *testing.T, ds dataset) map[string][]float32 {
	t.Helper()
	s, err := vectorstore.Open(context.Background(), vectorstore.Options{Path: ds.vectors, LockTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	out := map[string][]float32{}
	err = canonical.ForEach(ds.canonical, func(rec model.MessageRecord) error {
		e, err := s.Get(context.Background(), rec.ID)
		if err != nil {
			return err
		}
		out[rec.ID] = e.Vector
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRun_ModelGuard(t *testing.T) {
	ds := newDataset(t, 5, plainBody)
	if _, err := Run(context.Background(), ds.options("hash-64")); err != nil {
		t.Fatal(err)
	}
	before, _ := ds.metadata(t)

	_, err := Run(context.Background(), ds.options("hash-128"))
	if !errors.Is(err, model.ErrModelMismatch) {
		t.Fatalf("Run() error = %v, want ErrModelMismatch", err)
	}

	after, n := ds.metadata(t)
	if after.ModelName != "hash-64" || after.LastRunID != before.LastRunID || !after.UpdatedAt.Equal(before.UpdatedAt) || n != 5 {
		t.Errorf("collection mutated: %+v, count %d", after, n)
	}

	opts := ds.options("hash-128")
	opts.Rebuild = true
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run(rebuild) error = %v", err)
	}
	if report.ModelDim != 128 || report.RecordCount != 5 {
		t.Errorf("rebuild report = %+v", report)
	}
}

// fakeEmbedder learns its dimension on first use like a remote model.
type fakeEmbedder struct {
	name string
	dim  int
	mu   sync.Mutex
	seen int
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) Dimension() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "poison") {
		return nil, fmt.Errorf("%w: remote rejected input", model.ErrEmbedding)
	}
	f.mu.Lock()
	f.seen = f.dim
	f.mu.Unlock()
	vec := make([]float32, f.dim)
	vec[len(text)%f.dim] = 1
	return vec, nil
}

func TestRun_SkipsFailedEmbeddings(t *testing.T) {
	ds := newDataset(t, 6, func(i int) string {
		if i == 3 {
			return "poison pill"
		}
		return plainBody(i)
	})

	opts := ds.options("")
	opts.Embedder = &fakeEmbedder{name: "remote:test", dim: 8}
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Indexed != 5 || report.Skipped != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !errors.Is(report.Errors[0], model.ErrEmbedding) {
		t.Errorf("Errors[0] = %v", report.Errors[0])
	}
	if report.RecordCount != 5 || report.ModelDim != 8 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_RemoteDimensionChecked(t *testing.T) {
	ds := newDataset(t, 3, plainBody)

	opts := ds.options("")
	opts.Embedder = &fakeEmbedder{name: "remote:test", dim: 8}
	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	before, _ := ds.metadata(t)

	// Same name, different vector length: only visible after embedding.
	opts.Embedder = &fakeEmbedder{name: "remote:test", dim: 16}
	if _, err := Run(context.Background(), opts); !errors.Is(err, model.ErrModelMismatch) {
		t.Fatalf("Run() error = %v, want ErrModelMismatch", err)
	}
	after, n := ds.metadata(t)
	if after.ModelDim != 8 || after.LastRunID != before.LastRunID || n != 3 {
		t.Errorf("collection mutated: %+v, count %d", after, n)
	}
}

func TestRun_ReportsProgress(t *testing.T) {
	ds := newDataset(t, 9, plainBody)

	collector := stats.NewCollector()
	opts := ds.options("hash-32")
	opts.Subscribe = func(stream stats.EventStream) {
		stream.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
			collector.Run(ctx, events)
			return nil
		})
	}
	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}

	got := collector.Snapshot()
	if got.Total != 9 || got.Indexed != 9 {
		t.Errorf("summary = %+v, want total=9 indexed=9", got)
	}
}

// countingEmbedder counts Embed calls.
type countingEmbedder struct {
	fakeEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.fakeEmbedder.Embed(ctx, text)
}

func TestRun_Incremental(t *testing.T) {
	ds := newDataset(t, 6, plainBody)

	emb := &countingEmbedder{fakeEmbedder: fakeEmbedder{name: "remote:test", dim: 8}}
	opts := ds.options("")
	opts.Embedder = emb
	opts.Incremental = true

	first, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Indexed != 6 || first.Unchanged != 0 || emb.calls.Load() != 6 {
		t.Fatalf("first report = %+v, calls = %d", first, emb.calls.Load())
	}

	second, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Indexed != 0 || second.Unchanged != 6 || second.RecordCount != 6 || emb.calls.Load() != 6 {
		t.Fatalf("second report = %+v, calls = %d", second, emb.calls.Load())
	}

	// A rebuild drops the state together with the collection.
	opts.Rebuild = true
	third, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.Indexed != 6 || third.Unchanged != 0 || emb.calls.Load() != 12 {
		t.Fatalf("rebuild report = %+v, calls = %d", third, emb.calls.Load())
	}
}

func TestRun_EmbeddingServiceUnreachable(t *testing.T) {
	ds := newDataset(t, 20, plainBody)
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	collector := stats.NewCollector()
	opts := ds.options("ollama:nomic-embed-text")
	opts.EmbeddingOptions = embedding.Options{OllamaHost: host, Retries: 1}
	opts.Subscribe = func(stream stats.EventStream) {
		// Drain until close: the failing stage cancels the context before
		// the error event is consumed.
		stream.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
			for evt := range events {
				collector.Apply(evt)
			}
			return nil
		})
	}

	report, err := Run(context.Background(), opts)
	if !errors.Is(err, model.ErrEmbeddingUnavailable) {
		t.Fatalf("Run() = %+v, %v, want ErrEmbeddingUnavailable", report, err)
	}
	if got := collector.Snapshot(); got.Errors != 1 || got.Skipped != 0 {
		t.Errorf("summary = %+v, want one error and nothing skipped", got)
	}

	s, err := vectorstore.Open(context.Background(), vectorstore.Options{Path: ds.vectors, LockTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok, err := s.Metadata(); ok || err != nil {
		t.Errorf("Metadata() = %v, %v, want no metadata after the aborted run", ok, err)
	}
}

func TestRun_MissingCanonical(t *testing.T) {
	opts := Options{CanonicalPath: filepath.Join(t.TempDir(), "nope.jsonl"), CollectionPath: t.TempDir()}
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("Run() without canonical store succeeded")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ds := newDataset(t, 3, plainBody)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Run(ctx, ds.options("hash-32")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestInput(t *testing.T) {
	rec := model.MessageRecord{
		SenderName:    "Alice  Archer",
		SenderAddress: "alice@example.com",
		Subject:       "Q3\treport",
		BodyText:      "Line one\n\n  line   two",
	}
	want := "From: Alice Archer <alice@example.com>\nSubject: Q3 report\n\nLine one line two"
	if got := Input(rec, 0); got != want {
		t.Errorf("Input() = %q, want %q", got, want)
	}

	rec = model.MessageRecord{SenderAddress: "a@x", BodyText: strings.Repeat("ü", 50)}
	got := Input(rec, 30)
	if n := len([]rune(got)); n != 30 {
		t.Errorf("Input() has %d runes, want 30", n)
	}
	if !strings.HasPrefix(got, "From: <a@x>\nSubject: \n\n") {
		t.Errorf("Input() = %q", got)
	}
}
