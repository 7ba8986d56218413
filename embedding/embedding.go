package embedding

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/philippgille/chromem-go"

	"github.com/dhcgn/mailvec/model"
)

const (
	DefaultModel         = "hash-384"
	DefaultOllamaHost    = "http://localhost:11434"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// Embedder turns text into a fixed-length vector. Implementations are safe
// for concurrent use.
type Embedder interface {
	// Name is the model name recorded in collection metadata.
	Name() string
	// Dimension is the vector length, or 0 while it is not yet known.
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	OllamaHost    string
	OpenAIBaseURL string
	APIKey        string
	// Retries is the number of extra attempts for remote models.
	Retries int
}

// New resolves a model name:
//
//	hash-<dim>       local feature hashing
//	ollama:<model>   Ollama embeddings API
//	openai:<model>   OpenAI compatible embeddings API
func New(name string, opts Options) (Embedder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultModel
	}

	switch {
	case strings.HasPrefix(name, "hash-"):
		dim, err := strconv.Atoi(strings.TrimPrefix(name, "hash-"))
		if err != nil || dim < 16 || dim > 8192 {
			return nil, fmt.Errorf("invalid hash model %q: dimension must be between 16 and 8192", name)
		}
		return NewHash(dim), nil

	case strings.HasPrefix(name, "ollama:"):
		m := strings.TrimPrefix(name, "ollama:")
		if m == "" {
			return nil, fmt.Errorf("invalid model %q: missing ollama model name", name)
		}
		host := strings.TrimRight(opts.OllamaHost, "/")
		if host == "" {
			host = DefaultOllamaHost
		}
		return newRemote(name, chromem.NewEmbeddingFuncOllama(m, host+"/api"), opts.Retries), nil

	case strings.HasPrefix(name, "openai:"):
		m := strings.TrimPrefix(name, "openai:")
		if m == "" {
			return nil, fmt.Errorf("invalid model %q: missing model name", name)
		}
		if opts.APIKey == "" {
			return nil, fmt.Errorf("model %q needs an API key", name)
		}
		baseURL := strings.TrimRight(opts.OpenAIBaseURL, "/")
		if baseURL == "" {
			baseURL = DefaultOpenAIBaseURL
		}
		return newRemote(name, chromem.NewEmbeddingFuncOpenAICompat(baseURL, opts.APIKey, m, nil), opts.Retries), nil
	}

	return nil, fmt.Errorf("unknown embedding model %q (want hash-<dim>, ollama:<model> or openai:<model>)", name)
}

// validate rejects vectors the cosine distance is undefined for.
func validate(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", model.ErrEmbedding)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", model.ErrEmbedding)
		}
		sum += f * f
	}
	if sum == 0 {
		return fmt.Errorf("%w: zero vector", model.ErrEmbedding)
	}
	return nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}
