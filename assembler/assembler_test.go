package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/indexer"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/planner"
)

var subjects = []string{
	"Q3 report draft",
	"Re: Q3 report numbers",
	"Lunch on Friday",
	"Offsite agenda",
	"Q3 report final version",
	"Printer is broken again",
	"Holiday schedule",
	"Budget review for Q4",
	"Quarterly report template",
	"Welcome aboard",
	"Parking permits",
	"Q3 report feedback",
	"Conference travel",
	"Security training reminder",
	"Team photo",
}

// newCollection indexes 15 records: five from alice@example.com in Inbox,
// ten from other senders spread over Inbox and Archive.
func newCollection(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	records := filepath.Join(dir, canonical.FileName)
	vectors := filepath.Join(dir, "vectors")

	w, err := canonical.NewWriter(records)
	if err != nil {
		t.Fatal(err)
	}
	for i, subject := range subjects {
		rec := model.MessageRecord{
			NativeID:      fmt.Sprintf("<m%d@example.com>", i),
			Subject:       subject,
			SenderName:    fmt.Sprintf("Colleague %d", i),
			SenderAddress: fmt.Sprintf("colleague%d@example.com", i),
			FolderPath:    "Inbox",
			BodyText:      fmt.Sprintf("Message %d: %s. %s", i, subject, strings.Repeat("Details follow. ", i+1)),
			Index:         i,
		}
		if i%3 == 0 {
			rec.SenderName, rec.SenderAddress = "Alice", "alice@example.com"
		} else if i%2 == 0 {
			rec.FolderPath = "Archive"
		}
		sent := time.Date(2024, 7, 1+i, 10, 0, 0, 0, time.UTC)
		rec.SentAt = &sent
		rec.ID = canonical.RecordID(rec.FolderPath, rec.Index, rec.NativeID)
		if err := w.Write(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	report, err := indexer.Run(context.Background(), indexer.Options{
		CanonicalPath:  records,
		CollectionPath: vectors,
		Model:          "hash-384",
		LockTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("indexer.Run() error = %v", err)
	}
	if report.RecordCount != len(subjects) {
		t.Fatalf("RecordCount = %d, want %d", report.RecordCount, len(subjects))
	}
	return vectors
}

func TestQuery_Count(t *testing.T) {
	vectors := newCollection(t)
	engine := New(Options{LockTimeout: time.Second})

	resp, err := engine.Query(context.Background(), Request{Text: "how many emails from alice@example.com", CollectionPath: vectors})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.QueryType != "count" {
		t.Errorf("QueryType = %q, want count", resp.QueryType)
	}
	if resp.Count == nil || *resp.Count != 5 {
		t.Fatalf("Count = %v, want 5", resp.Count)
	}
	if len(resp.SearchResults) != 0 {
		t.Errorf("count query returned %d results", len(resp.SearchResults))
	}
	want := "Heuristic fallback parser used (language model disabled). Filtered for sender 'alice@example.com'. Found 5 matching emails after filtering."
	if resp.Explanation != want {
		t.Errorf("Explanation = %q, want %q", resp.Explanation, want)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"search_results":[]`) || !strings.Contains(string(out), `"count":5`) {
		t.Errorf("envelope = %s", out)
	}
}

func TestQuery_Search(t *testing.T) {
	vectors := newCollection(t)
	engine := New(Options{LockTimeout: time.Second})

	resp, err := engine.Query(context.Background(), Request{Text: "Q3 report", CollectionPath: vectors, K: 3})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.QueryType != "search" || resp.Count != nil {
		t.Errorf("QueryType = %q, Count = %v", resp.QueryType, resp.Count)
	}
	if len(resp.SearchResults) == 0 || len(resp.SearchResults) > 3 {
		t.Fatalf("got %d results, want 1..3", len(resp.SearchResults))
	}
	for i := 1; i < len(resp.SearchResults); i++ {
		if resp.SearchResults[i-1].Distance >= resp.SearchResults[i].Distance {
			t.Errorf("results not strictly ascending at %d: %v >= %v", i, resp.SearchResults[i-1].Distance, resp.SearchResults[i].Distance)
		}
	}
	if top := resp.SearchResults[0].Metadata.Subject; !strings.Contains(top, "Q3 report") {
		t.Errorf("top result subject = %q, want a Q3 report message", top)
	}
	if !strings.HasSuffix(resp.Explanation, "No specific filters applied beyond semantic search.") {
		t.Errorf("Explanation = %q", resp.Explanation)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), `"count"`) {
		t.Errorf("search envelope carries count: %s", out)
	}
}

func TestQuery_Deterministic(t *testing.T) {
	vectors := newCollection(t)
	engine := New(Options{LockTimeout: time.Second})

	ids := func() []string {
		resp, err := engine.Query(context.Background(), Request{Text: "report", CollectionPath: vectors, K: 15})
		if err != nil {
			t.Fatal(err)
		}
		out := make([]string, 0, len(resp.SearchResults))
		for _, r := range resp.SearchResults {
			out = append(out, r.ID)
		}
		return out
	}

	first := ids()
	for i := 0; i < 3; i++ {
		if got := ids(); strings.Join(got, ",") != strings.Join(first, ",") {
			t.Fatalf("run %d returned %v, want %v", i, got, first)
		}
	}
}

func TestQuery_FolderFilter(t *testing.T) {
	vectors := newCollection(t)
	engine := New(Options{LockTimeout: time.Second})

	resp, err := engine.Query(context.Background(), Request{Text: "Q3 report in folder Archive", CollectionPath: vectors, K: 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.SearchResults) == 0 {
		t.Fatal("no results")
	}
	for _, r := range resp.SearchResults {
		if r.Metadata.FolderPath != "Archive" {
			t.Errorf("result %s from folder %q", r.ID, r.Metadata.FolderPath)
		}
	}
}

func TestQuery_LLMUnavailable(t *testing.T) {
	vectors := newCollection(t)
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	chain := planner.NewChain(time.Second, nil, planner.NewOllama(url, ""), planner.NewHeuristic())
	engine := New(Options{Planner: chain, LockTimeout: time.Second})

	resp, err := engine.Query(context.Background(), Request{Text: "Q3 report", CollectionPath: vectors, K: 3})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !strings.HasPrefix(resp.Explanation, "Heuristic fallback parser used (language model unavailable: ") {
		t.Errorf("Explanation = %q", resp.Explanation)
	}
	if len(resp.SearchResults) == 0 {
		t.Error("fallback query returned no results")
	}
}

func TestQuery_MissingCollection(t *testing.T) {
	engine := New(Options{})

	_, err := engine.Query(context.Background(), Request{Text: "Q3 report", CollectionPath: filepath.Join(t.TempDir(), "vectors")})
	if !errors.Is(err, model.ErrCollectionNotFound) {
		t.Fatalf("Query() error = %v, want ErrCollectionNotFound", err)
	}
	if got := NewErrorResponse(err).ErrorKind; got != "CollectionNotFound" {
		t.Errorf("ErrorKind = %q", got)
	}
}

func TestQuery_EmptyText(t *testing.T) {
	vectors := newCollection(t)
	if _, err := New(Options{}).Query(context.Background(), Request{Text: "  ", CollectionPath: vectors}); err == nil {
		t.Error("Query() accepted empty text")
	}
}

func TestQuery_NoSearchableWords(t *testing.T) {
	vectors := newCollection(t)
	engine := New(Options{LockTimeout: time.Second})

	resp, err := engine.Query(context.Background(), Request{Text: "?", CollectionPath: vectors})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.QueryType != "search" || len(resp.SearchResults) != 0 || resp.SearchResults == nil {
		t.Errorf("response = %+v, want an empty search result list", resp)
	}
	if !strings.Contains(resp.Explanation, "no words to search for") {
		t.Errorf("Explanation = %q", resp.Explanation)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ä", 250)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"short", "  hello  ", "hello"},
		{"exact", strings.Repeat("x", 200), strings.Repeat("x", 200)},
		{"multibyte", long, strings.Repeat("ä", 200) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.body, PreviewRunes); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}
