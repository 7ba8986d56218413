package planner

import (
	"strings"

	"github.com/dhcgn/mailvec/filter"
)

type Kind string

const (
	KindSearch Kind = "search"
	KindCount  Kind = "count"
)

// Intent is the structured form of one free-text query.
type Intent struct {
	RawText      string
	Kind         Kind
	Filter       filter.Criteria
	SemanticText string
	// K is the number of results a search returns.
	K int
}

// Resolution is the outcome of running a query through the provider chain.
type Resolution struct {
	Intent Intent
	// Provider names the provider that produced Intent.
	Provider string
	// Fallback is set when the language model did not produce Intent.
	Fallback bool
	// Failures are the recovered errors of the providers tried before.
	Failures []error
	// Disabled is set when no language model was configured.
	Disabled bool
}

// Explanation names the stage that resolved the query and the filters it
// applied.
func (r Resolution) Explanation() string {
	var b strings.Builder
	switch {
	case !r.Fallback:
		b.WriteString("Query parsed by language model (" + r.Provider + ").")
	case r.Disabled:
		b.WriteString("Heuristic fallback parser used (language model disabled).")
	default:
		reason := "no provider succeeded"
		if len(r.Failures) > 0 {
			reason = r.Failures[len(r.Failures)-1].Error()
		}
		b.WriteString("Heuristic fallback parser used (language model unavailable: " + reason + ").")
	}
	b.WriteString(" ")
	b.WriteString(DescribeFilters(r.Intent.Filter))
	return b.String()
}

func DescribeFilters(c filter.Criteria) string {
	parts := c.Describe()
	if len(parts) == 0 {
		return "No specific filters applied beyond semantic search."
	}
	return "Filtered for " + strings.Join(parts, ", and ") + "."
}
