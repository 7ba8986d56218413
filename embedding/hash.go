package embedding

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Hash is an offline bag-of-words embedder. Unigrams and bigrams are hashed
// into dim buckets with a sign taken from the top hash bit.
type Hash struct {
	dim int
}

func NewHash(dim int) *Hash {
	return &Hash{dim: dim}
}

func (h *Hash) Name() string {
	return fmt.Sprintf("hash-%d", h.dim)
}

func (h *Hash) Dimension() int {
	return h.dim
}

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	if err := validate(vec); err != nil {
		return nil, fmt.Errorf("%w (no tokens in input)", err)
	}
	normalize(vec)
	return vec, nil
}

func (h *Hash) add(vec []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dim)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// HasContent reports whether text contains a letter or a digit. Text
// without one embeds to nothing meaningful.
func HasContent(text string) bool {
	return len(tokenize(text)) > 0
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
