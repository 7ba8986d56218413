package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dhcgn/mailvec/embedding"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/planner"
	"github.com/dhcgn/mailvec/vectorstore"
)

const (
	DefaultK     = 10
	PreviewRunes = 200
)

type Request struct {
	Text           string
	CollectionPath string
	CollectionName string
	K              int
}

type ResultMetadata struct {
	Subject     string `json:"subject"`
	SenderName  string `json:"sender_name"`
	FolderPath  string `json:"folder_path"`
	BodyPreview string `json:"body_preview"`
}

type Result struct {
	ID       string         `json:"id"`
	Distance float32        `json:"distance"`
	Metadata ResultMetadata `json:"metadata"`
}

// Response is the envelope printed for a successful query. Count is only
// set for count queries.
type Response struct {
	SearchResults []Result `json:"search_results"`
	Explanation   string   `json:"explanation"`
	QueryType     string   `json:"query_type"`
	Count         *int     `json:"count,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), ErrorKind: model.Kind(err)}
}

type Options struct {
	// Planner defaults to the heuristic parser alone.
	Planner          *planner.Chain
	EmbeddingOptions embedding.Options
	LockTimeout      time.Duration
	Logger           *slog.Logger
}

// Engine answers free-text queries against indexed collections. It is safe
// for concurrent use.
type Engine struct {
	planner     *planner.Chain
	embedOpts   embedding.Options
	lockTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	embedders map[string]embedding.Embedder
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	chain := opts.Planner
	if chain == nil {
		chain = planner.NewChain(0, logger, planner.NewHeuristic())
	}
	return &Engine{
		planner:     chain,
		embedOpts:   opts.EmbeddingOptions,
		lockTimeout: opts.LockTimeout,
		logger:      logger,
		embedders:   make(map[string]embedding.Embedder),
	}
}

// Query plans req.Text, runs it against the collection and assembles the
// response. On error no partial response is returned.
func (e *Engine) Query(ctx context.Context, req Request) (Response, error) {
	if req.K <= 0 {
		req.K = DefaultK
	}
	if req.CollectionName == "" {
		req.CollectionName = vectorstore.DefaultCollection
	}

	m := planner.NewMachine(e.logger)
	resp, err := e.query(ctx, m, req)
	if err != nil {
		m.Fail(err)
		return Response{}, err
	}
	return resp, nil
}

func (e *Engine) query(ctx context.Context, m *planner.Machine, req Request) (Response, error) {
	start := time.Now()
	if err := m.To(planner.StateParsing); err != nil {
		return Response{}, err
	}
	res, err := e.planner.Plan(ctx, req.Text, req.K)
	if err != nil {
		return Response{}, err
	}
	parsed := planner.StateParsedStructured
	if res.Fallback {
		parsed = planner.StateParsedFallback
	}
	if err := m.To(parsed); err != nil {
		return Response{}, err
	}
	intent := res.Intent

	store, err := vectorstore.Open(ctx, vectorstore.Options{
		Path:        req.CollectionPath,
		Name:        req.CollectionName,
		Mode:        vectorstore.ReadOnly,
		LockTimeout: e.lockTimeout,
		Logger:      e.logger,
	})
	if err != nil {
		return Response{}, err
	}
	defer store.Close()

	resp := Response{
		SearchResults: []Result{},
		Explanation:   res.Explanation(),
		QueryType:     string(intent.Kind),
	}

	switch intent.Kind {
	case planner.KindCount:
		if err := m.To(planner.StateRetrieving); err != nil {
			return Response{}, err
		}
		n, err := store.Count(ctx, intent.Filter)
		if err != nil {
			return Response{}, err
		}
		if err := m.To(planner.StateAssembling); err != nil {
			return Response{}, err
		}
		resp.Count = &n
		resp.Explanation += fmt.Sprintf(" Found %d matching emails after filtering.", n)

	default:
		meta, ok, err := store.Metadata()
		if err != nil {
			return Response{}, err
		}
		if !ok {
			return Response{}, fmt.Errorf("%w: collection %q has not been indexed", model.ErrCollectionNotFound, req.CollectionName)
		}

		var hits []vectorstore.Hit
		if embedding.HasContent(intent.SemanticText) {
			if err := m.To(planner.StateEmbedding); err != nil {
				return Response{}, err
			}
			vec, err := e.embed(ctx, meta, intent.SemanticText)
			if err != nil {
				return Response{}, err
			}

			if err := m.To(planner.StateRetrieving); err != nil {
				return Response{}, err
			}
			hits, err = store.Query(ctx, vec, intent.K, intent.Filter)
			if err != nil {
				return Response{}, err
			}
		} else {
			if err := m.To(planner.StateRetrieving); err != nil {
				return Response{}, err
			}
			resp.Explanation += " The query has no words to search for, so no results were retrieved."
		}

		if err := m.To(planner.StateAssembling); err != nil {
			return Response{}, err
		}
		resp.SearchResults = assemble(hits, intent.K)
	}

	if err := m.To(planner.StateCompleted); err != nil {
		return Response{}, err
	}
	e.logger.Info("query completed",
		"type", resp.QueryType,
		"provider", res.Provider,
		"fallback", res.Fallback,
		"results", len(resp.SearchResults),
		"duration", time.Since(start))
	return resp, nil
}

// embed computes the query vector with the model the collection was built
// with.
func (e *Engine) embed(ctx context.Context, meta vectorstore.CollectionMetadata, text string) ([]float32, error) {
	embedder, err := e.embedder(meta.ModelName)
	if err != nil {
		return nil, fmt.Errorf("%w: collection model %q: %w", model.ErrModelMismatch, meta.ModelName, err)
	}
	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != meta.ModelDim {
		return nil, fmt.Errorf("%w: collection dimension %d, query embedding has %d", model.ErrModelMismatch, meta.ModelDim, len(vec))
	}
	return vec, nil
}

func (e *Engine) embedder(name string) (embedding.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emb, ok := e.embedders[name]; ok {
		return emb, nil
	}
	emb, err := embedding.New(name, e.embedOpts)
	if err != nil {
		return nil, err
	}
	e.embedders[name] = emb
	return emb, nil
}

func assemble(hits []vectorstore.Hit, k int) []Result {
	if len(hits) > k {
		hits = hits[:k]
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ID:       h.ID,
			Distance: h.Distance,
			Metadata: ResultMetadata{
				Subject:     h.Metadata[model.MetaSubject],
				SenderName:  h.Metadata[model.MetaSenderName],
				FolderPath:  h.Metadata[model.MetaFolderPath],
				BodyPreview: Preview(h.Content, PreviewRunes),
			},
		})
	}
	return results
}

// Preview cuts body to limit runes and marks the cut with "...".
func Preview(body string, limit int) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= limit {
		return body
	}
	n := 0
	for i := range body {
		if n == limit {
			return body[:i] + "..."
		}
		n++
	}
	return body
}
