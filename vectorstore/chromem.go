package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

type Options struct {
	// Path is the collection directory of a dataset.
	Path string
	Name string
	Mode Mode
	// LockTimeout bounds the wait for a concurrent writer or reader.
	// Zero waits until ctx is done.
	LockTimeout time.Duration
	Compress    bool
	Logger      *slog.Logger
}

var errReadOnly = errors.New("collection opened read-only")

// Chromem is a Store backed by an embedded chromem-go database.
type Chromem struct {
	path       string
	name       string
	mode       Mode
	db         *chromem.DB
	collection *chromem.Collection
	lock       *collectionLock
	logger     *slog.Logger
}

var _ Store = (*Chromem)(nil)

// Open opens the collection. In ReadOnly mode a missing path or collection
// fails with model.ErrCollectionNotFound; ReadWrite creates both.
func Open(ctx context.Context, opts Options) (*Chromem, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("collection path is empty")
	}
	name := opts.Name
	if name == "" {
		name = DefaultCollection
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if opts.Mode == ReadOnly {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", model.ErrCollectionNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrVectorStoreIO, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", model.ErrCollectionNotFound, path)
		}
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", model.ErrVectorStoreIO, path, err)
	}

	lock, err := acquire(ctx, path, name, opts.Mode == ReadWrite, opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	store, err := open(path, name, opts, lock, logger)
	if err != nil {
		_ = lock.release()
		return nil, err
	}
	return store, nil
}

func open(path, name string, opts Options, lock *collectionLock, logger *slog.Logger) (*Chromem, error) {
	db, err := chromem.NewPersistentDB(path, opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrVectorStoreIO, path, err)
	}

	var collection *chromem.Collection
	if opts.Mode == ReadOnly {
		collection = db.GetCollection(name, nil)
		if collection == nil {
			return nil, fmt.Errorf("%w: %q in %s", model.ErrCollectionNotFound, name, path)
		}
	} else {
		collection, err = db.GetOrCreateCollection(name, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: create collection %q: %v", model.ErrVectorStoreIO, name, err)
		}
	}

	logger.Debug("collection opened", "path", path, "collection", name, "records", collection.Count(), "write", opts.Mode == ReadWrite)
	return &Chromem{
		path:       path,
		name:       name,
		mode:       opts.Mode,
		db:         db,
		collection: collection,
		lock:       lock,
		logger:     logger,
	}, nil
}

func (c *Chromem) Upsert(ctx context.Context, entries []Entry) error {
	if c.mode != ReadWrite {
		return errReadOnly
	}
	if len(entries) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, chromem.Document{
			ID:        e.ID,
			Metadata:  e.Metadata,
			Embedding: e.Vector,
			Content:   e.Content,
		})
	}
	if err := c.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: upsert %d entries: %v", model.ErrVectorStoreIO, len(entries), err)
	}
	return nil
}

// Get returns the stored entry for id.
func (c *Chromem) Get(ctx context.Context, id string) (Entry, error) {
	doc, err := c.collection.GetByID(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get %s: %v", model.ErrVectorStoreIO, id, err)
	}
	return Entry{ID: doc.ID, Vector: doc.Embedding, Metadata: doc.Metadata, Content: doc.Content}, nil
}

func (c *Chromem) Query(ctx context.Context, vector []float32, k int, criteria filter.Criteria) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	hits, err := c.scan(ctx, vector, criteria)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *Chromem) Count(ctx context.Context, criteria filter.Criteria) (int, error) {
	total := c.collection.Count()
	if criteria.IsZero() || total == 0 {
		return total, nil
	}

	meta, ok, err := c.Metadata()
	if err != nil {
		return 0, err
	}
	if !ok || meta.ModelDim <= 0 {
		return 0, fmt.Errorf("%w: collection %q has records but no model metadata", model.ErrVectorStoreIO, c.name)
	}

	// Any unit vector of the right length ranks every record; only the
	// filter decides what is counted.
	axis := make([]float32, meta.ModelDim)
	axis[0] = 1
	hits, err := c.scan(ctx, axis, criteria)
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// scan ranks every record passing the folder pushdown and keeps those
// passing the full predicate.
func (c *Chromem) scan(ctx context.Context, vector []float32, criteria filter.Criteria) ([]Hit, error) {
	n := c.collection.Count()
	if n == 0 {
		return nil, nil
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, n, criteria.Where(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: query: %v", model.ErrVectorStoreIO, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if !criteria.Match(r.Metadata, r.Content) {
			continue
		}
		hits = append(hits, Hit{
			ID:       r.ID,
			Distance: 1 - r.Similarity,
			Metadata: r.Metadata,
			Content:  r.Content,
		})
	}
	return hits, nil
}

func (c *Chromem) metaPath() string {
	return filepath.Join(c.path, c.name+".meta.json")
}

func (c *Chromem) Metadata() (CollectionMetadata, bool, error) {
	data, err := os.ReadFile(c.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return CollectionMetadata{}, false, nil
	}
	if err != nil {
		return CollectionMetadata{}, false, fmt.Errorf("%w: read metadata: %v", model.ErrVectorStoreIO, err)
	}

	var meta CollectionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return CollectionMetadata{}, false, fmt.Errorf("%w: parse metadata %s: %v", model.ErrVectorStoreIO, c.metaPath(), err)
	}
	return meta, true, nil
}

func (c *Chromem) SetMetadata(meta CollectionMetadata) error {
	if c.mode != ReadWrite {
		return errReadOnly
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(c.path, "."+c.name+".meta.*.tmp")
	if err != nil {
		return fmt.Errorf("%w: write metadata: %v", model.ErrVectorStoreIO, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write metadata: %v", model.ErrVectorStoreIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: sync metadata: %v", model.ErrVectorStoreIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close metadata: %v", model.ErrVectorStoreIO, err)
	}
	if err := os.Rename(tmp.Name(), c.metaPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replace metadata: %v", model.ErrVectorStoreIO, err)
	}
	return nil
}

// DeleteCollection drops every record and the metadata, leaving an empty
// collection behind.
func (c *Chromem) DeleteCollection() error {
	if c.mode != ReadWrite {
		return errReadOnly
	}

	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("%w: delete collection %q: %v", model.ErrVectorStoreIO, c.name, err)
	}
	if err := os.Remove(c.metaPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete metadata: %v", model.ErrVectorStoreIO, err)
	}

	collection, err := c.db.GetOrCreateCollection(c.name, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: recreate collection %q: %v", model.ErrVectorStoreIO, c.name, err)
	}
	c.collection = collection
	c.logger.Info("collection deleted", "path", c.path, "collection", c.name)
	return nil
}

func (c *Chromem) Close() error {
	if c.lock == nil {
		return nil
	}
	return c.lock.release()
}
