package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/config"
	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{fmt.Errorf("open archive: %w", os.ErrNotExist), 2},
		{fmt.Errorf("%w: disk full", model.ErrVectorStoreIO), 3},
		{fmt.Errorf("%w: ollama:nomic-embed-text after 4 attempts", model.ErrEmbeddingUnavailable), 3},
		{fmt.Errorf("%w: %q", model.ErrCollectionNotFound, "mail_archive"), 4},
		{fmt.Errorf("%w: hash-64 vs hash-128", model.ErrModelMismatch), 5},
		{fmt.Errorf("inbox: %w", model.ErrArchiveEncrypted), 5},
		{fmt.Errorf("%w: -k must be positive", config.ErrInvalid), 5},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func outlookHeader(version uint16, cryptOffset int, crypt byte) []byte {
	b := make([]byte, 564)
	copy(b, "!BDN")
	copy(b[8:], "SM")
	binary.LittleEndian.PutUint16(b[10:], version)
	b[cryptOffset] = crypt
	return b
}

func TestOpenArchive(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"inbox.mbox":    []byte("From alice@example.com Mon Jan  1 00:00:00 2024\nSubject: hi\n\nbody\n"),
		"archive.pst":   outlookHeader(23, 513, 0x01),
		"protected.pst": outlookHeader(23, 513, 0x10),
		"broken.pst":    outlookHeader(9, 461, 0x00),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		format  string
		wantErr error
	}{
		{name: "inbox.mbox", format: "mbox"},
		{name: "archive.pst", format: "pst"},
		{name: "protected.pst", wantErr: model.ErrArchiveEncrypted},
		{name: "broken.pst", wantErr: model.ErrArchiveCorrupt},
		{name: "missing.pst", wantErr: os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, format, err := openArchive(filepath.Join(dir, tt.name), slog.New(slog.DiscardHandler))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if reader == nil || format != tt.format {
				t.Errorf("format = %q, want %q", format, tt.format)
			}
		})
	}
}

func writeStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), canonical.FileName)
	w, err := canonical.NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	senders := []string{"alice@example.com", "bob@example.com", "alice@example.com"}
	for i, sender := range senders {
		sent := time.Date(2022+i, 3, 1, 0, 0, 0, 0, time.UTC)
		rec := model.MessageRecord{
			NativeID:      fmt.Sprintf("m%d", i),
			SenderAddress: sender,
			FolderPath:    "Inbox",
			Recipients:    []string{"team@example.com"},
			SentAt:        &sent,
			Index:         i,
		}
		rec.ID = canonical.RecordID(rec.FolderPath, i, rec.NativeID)
		if err := w.Write(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCollectArchiveStats(t *testing.T) {
	path := writeStore(t)

	result, err := collectArchiveStats(path, filter.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages != 3 || result.Counter["Sender"]["alice@example.com"] != 2 || result.Counter["Year"]["2023"] != 1 {
		t.Errorf("result = %+v", result)
	}

	since, _ := filter.ParseDate("2023-01-01")
	result, err = collectArchiveStats(path, filter.Criteria{Sender: "ALICE@example.com", DateFrom: &since})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages != 1 || result.Filtered != 2 {
		t.Errorf("filtered result = %+v", result)
	}

	var buf bytes.Buffer
	printArchiveStats(&buf, result, filter.Criteria{Sender: "alice"}, 5)
	if !strings.Contains(buf.String(), "Analyzed 1 messages (skipped 2 by filters, 66.67%)") || !strings.Contains(buf.String(), "Filters: sender 'alice'") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSaveCSVReports(t *testing.T) {
	dir := t.TempDir()
	counter := map[string]map[string]int{
		"Sender": {"b": 1, "a": 3, "c": 3},
	}
	if err := saveCSVReports(counter, []string{"Sender"}, dir, 2); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "report_sender.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"Value", "Count"}, {"a", "3"}, {"c", "3"}}
	if fmt.Sprint(rows) != fmt.Sprint(want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
}

func TestQueryCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"query", "Q3 report", "--no-llm", "--dataset", dir, "--log-level", "error"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := Execute(context.Background())
	if !errors.Is(err, model.ErrCollectionNotFound) {
		t.Fatalf("Execute() error = %v, want ErrCollectionNotFound", err)
	}
	if !strings.Contains(out.String(), `"error_kind": "CollectionNotFound"`) {
		t.Errorf("stdout = %s", out.String())
	}
}
