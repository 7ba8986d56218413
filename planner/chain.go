package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dhcgn/mailvec/model"
)

const DefaultTimeout = 20 * time.Second

// Provider turns query text into an Intent. Errors are recovered by the
// chain, which moves on to the next provider.
type Provider interface {
	Name() string
	Parse(ctx context.Context, text string) (Intent, error)
}

// Chain tries its providers in order; the first success wins.
type Chain struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

func NewChain(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Chain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chain{providers: providers, timeout: timeout, logger: logger}
}

// Plan resolves text. It only fails when ctx is done or every provider
// failed.
func (c *Chain) Plan(ctx context.Context, text string, k int) (Resolution, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Resolution{}, fmt.Errorf("query text is empty")
	}

	res := Resolution{Disabled: true}
	for i, p := range c.providers {
		if _, heuristic := p.(*Heuristic); !heuristic {
			res.Disabled = false
		}

		intent, err := c.parse(ctx, p, text)
		if err != nil {
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			c.logger.Warn("query provider failed", "provider", p.Name(), "err", err)
			res.Failures = append(res.Failures, err)
			continue
		}

		intent.RawText = text
		intent.K = k
		if intent.Kind == "" {
			intent.Kind = KindSearch
		}
		if strings.TrimSpace(intent.SemanticText) == "" {
			intent.SemanticText = text
		}

		res.Intent = intent
		res.Provider = p.Name()
		_, heuristic := p.(*Heuristic)
		res.Fallback = i > 0 || heuristic
		return res, nil
	}
	return Resolution{}, errors.Join(append([]error{fmt.Errorf("no query provider succeeded")}, res.Failures...)...)
}

func (c *Chain) parse(ctx context.Context, p Provider, text string) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	intent, err := p.Parse(ctx, text)
	if err != nil {
		return Intent{}, err
	}
	if err := intent.Filter.Validate(); err != nil {
		return Intent{}, fmt.Errorf("%w: %s: %v", model.ErrLLMMalformedResponse, p.Name(), err)
	}
	return intent, nil
}
