package vectorstore

import (
	"context"
	"time"

	"github.com/dhcgn/mailvec/filter"
)

const DefaultCollection = "mail_archive"

// Store is a persistent collection of vectors keyed by record id.
type Store interface {
	// Upsert inserts unseen ids and replaces existing ones.
	Upsert(ctx context.Context, entries []Entry) error
	// Query returns at most k records passing c, ordered by ascending
	// distance and then by id.
	Query(ctx context.Context, vector []float32, k int, c filter.Criteria) ([]Hit, error)
	// Count returns the number of records passing c.
	Count(ctx context.Context, c filter.Criteria) (int, error)
	// Metadata reports false when the collection has never been written.
	Metadata() (CollectionMetadata, bool, error)
	SetMetadata(meta CollectionMetadata) error
	DeleteCollection() error
	Close() error
}

type Entry struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
	Content  string
}

// Hit is a query result. Distance is the cosine distance, lower is closer.
type Hit struct {
	ID       string
	Distance float32
	Metadata map[string]string
	Content  string
}

// CollectionMetadata pins a collection to one embedding model.
type CollectionMetadata struct {
	ModelName   string    `json:"model_name"`
	ModelDim    int       `json:"model_dim"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	RecordCount int       `json:"record_count"`
	LastRunID   string    `json:"last_run_id,omitempty"`
}
