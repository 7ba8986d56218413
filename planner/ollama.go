package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.1:latest"
)

// Ollama parses queries with a local Ollama model through /api/generate.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	now     func() time.Time
}

func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		now:     time.Now,
	}
}

func (o *Ollama) Name() string {
	return "ollama " + o.model
}

const promptTemplate = `You turn e-mail search queries into JSON filters.
Today is %s.

Query: %q

Answer with one JSON object and nothing else:
{
  "intent": "count" or "search",
  "sender": name or e-mail address of the sender, or null,
  "folder": mail folder path, or null,
  "subject": text the subject must contain, or null,
  "body": text the body must contain, or null,
  "date_from": first day as YYYY-MM-DD, or null,
  "date_to": last day as YYYY-MM-DD, or null,
  "keywords": list of words describing what the messages are about
}

Use "count" only when the query asks for a number of messages. Only set
filters the query mentions.`

type structuredQuery struct {
	Intent   string          `json:"intent"`
	Sender   string          `json:"sender"`
	Folder   string          `json:"folder"`
	Subject  string          `json:"subject"`
	Body     string          `json:"body"`
	DateFrom string          `json:"date_from"`
	DateTo   string          `json:"date_to"`
	Keywords json.RawMessage `json:"keywords"`
}

func (o *Ollama) Parse(ctx context.Context, text string) (Intent, error) {
	payload := map[string]interface{}{
		"model":  o.model,
		"prompt": fmt.Sprintf(promptTemplate, o.now().Format("2006-01-02"), text),
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"temperature": 0,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", model.ErrLLMUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Intent{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Intent{}, classify(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Intent{}, fmt.Errorf("%w: ollama API error (%d): %s", model.ErrLLMUnavailable, resp.StatusCode, snippet(respBody))
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Intent{}, fmt.Errorf("%w: decode envelope: %v", model.ErrLLMMalformedResponse, err)
	}

	return decodeStructured(result.Response)
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrLLMTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrLLMUnavailable, err)
}

func decodeStructured(response string) (Intent, error) {
	response = strings.TrimSpace(response)
	// Some models wrap the object in prose despite format=json.
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return Intent{}, fmt.Errorf("%w: no JSON object in %q", model.ErrLLMMalformedResponse, snippet([]byte(response)))
	}

	var q structuredQuery
	if err := json.Unmarshal([]byte(response[start:end+1]), &q); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", model.ErrLLMMalformedResponse, err)
	}

	var intent Intent
	switch strings.ToLower(strings.TrimSpace(q.Intent)) {
	case "count":
		intent.Kind = KindCount
	case "search", "":
		intent.Kind = KindSearch
	default:
		return Intent{}, fmt.Errorf("%w: unknown intent %q", model.ErrLLMMalformedResponse, q.Intent)
	}

	intent.Filter = filter.Criteria{
		Sender:  clean(q.Sender),
		Folder:  clean(q.Folder),
		Subject: clean(q.Subject),
		Body:    clean(q.Body),
	}
	for _, d := range []struct {
		raw string
		dst **time.Time
	}{{q.DateFrom, &intent.Filter.DateFrom}, {q.DateTo, &intent.Filter.DateTo}} {
		if clean(d.raw) == "" {
			continue
		}
		t, err := filter.ParseDate(d.raw)
		if err != nil {
			return Intent{}, fmt.Errorf("%w: %v", model.ErrLLMMalformedResponse, err)
		}
		*d.dst = &t
	}

	keywords, err := decodeKeywords(q.Keywords)
	if err != nil {
		return Intent{}, err
	}
	intent.SemanticText = strings.Join(keywords, " ")
	return intent, nil
}

func decodeKeywords(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: keywords: %v", model.ErrLLMMalformedResponse, err)
	}
	return strings.Fields(single), nil
}

// clean drops the placeholders models put in for missing values.
func clean(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "null", "none", "n/a", "...":
		return ""
	}
	return s
}

// snippet cuts b to at most 200 bytes without splitting a rune.
func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
