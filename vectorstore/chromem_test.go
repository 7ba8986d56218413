package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
)

func entry(id, folder, sender string, vec ...float32) Entry {
	return Entry{
		ID:     id,
		Vector: vec,
		Metadata: map[string]string{
			model.MetaFolderPath:    folder,
			model.MetaSenderAddress: sender,
			model.MetaSentAt:        "2024-01-01T00:00:00Z",
		},
		Content: "body of " + id,
	}
}

func openWrite(t *testing.T, path string) *Chromem {
	t.Helper()
	s, err := Open(context.Background(), Options{Path: path, Mode: ReadWrite, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open(ReadWrite) error = %v", err)
	}
	return s
}

func seed(t *testing.T, path string, entries ...Entry) {
	t.Helper()
	s := openWrite(t, path)
	defer s.Close()
	if err := s.SetMetadata(CollectionMetadata{ModelName: "test", ModelDim: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestOpen_ReadOnlyMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(context.Background(), Options{Path: filepath.Join(dir, "nope")})
	if !errors.Is(err, model.ErrCollectionNotFound) {
		t.Fatalf("missing path: error = %v, want ErrCollectionNotFound", err)
	}

	seed(t, dir)
	_, err = Open(context.Background(), Options{Path: dir, Name: "other"})
	if !errors.Is(err, model.ErrCollectionNotFound) {
		t.Fatalf("missing collection: error = %v, want ErrCollectionNotFound", err)
	}
}

func TestQuery_OrderAndTies(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		entry("c", "Inbox", "a@x", 0, 1),
		entry("b", "Inbox", "a@x", 1, 0),
		entry("a", "Inbox", "a@x", 1, 0),
		entry("d", "Inbox", "a@x", 1, 1),
	)

	s, err := Open(context.Background(), Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	hits, err := s.Query(context.Background(), []float32{1, 0}, 3, filter.Criteria{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "d" {
		t.Fatalf("Query() ids = %v, want [a b d]", ids)
	}
	if hits[0].Distance > 1e-6 || hits[2].Distance <= hits[1].Distance {
		t.Errorf("distances = %v, %v, %v", hits[0].Distance, hits[1].Distance, hits[2].Distance)
	}
	if hits[0].Content != "body of a" {
		t.Errorf("Content = %q", hits[0].Content)
	}

	again, err := s.Query(context.Background(), []float32{1, 0}, 3, filter.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	for i := range hits {
		if again[i].ID != hits[i].ID {
			t.Fatalf("repeated query order differs at %d", i)
		}
	}
}

func TestQuery_FolderFilter(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		entry("1", "Inbox", "a@x", 1, 0),
		entry("2", "Inbox/Work", "a@x", 1, 0),
		entry("3", "inbox", "b@x", 1, 0.1),
		entry("4", "Inbox", "b@x", 0, 1),
	)

	s, err := Open(context.Background(), Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	hits, err := s.Query(context.Background(), []float32{1, 0}, 10, filter.Criteria{Folder: "Inbox"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Metadata[model.MetaFolderPath] != "Inbox" {
			t.Errorf("hit %s from folder %q", h.ID, h.Metadata[model.MetaFolderPath])
		}
	}

	n, err := s.Count(context.Background(), filter.Criteria{Sender: "B@X"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count(sender) = %d, want 2", n)
	}
	n, err = s.Count(context.Background(), filter.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("Count() = %d, want 4", n)
	}
	n, err = s.Count(context.Background(), filter.Criteria{Folder: "Archive"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count(Archive) = %d, want 0", n)
	}
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, entry("1", "Inbox", "a@x", 1, 0), entry("2", "Inbox", "a@x", 0, 1))
	seed(t, dir, entry("1", "Inbox", "a@x", 1, 0), entry("2", "Sent", "a@x", 0, 1))

	s, err := Open(context.Background(), Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	n, err := s.Count(context.Background(), filter.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Count() = %d after re-upsert, want 2", n)
	}
	got, err := s.Get(context.Background(), "2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata[model.MetaFolderPath] != "Sent" {
		t.Errorf("metadata not replaced: %v", got.Metadata)
	}
}

func TestMetadataAndDelete(t *testing.T) {
	dir := t.TempDir()
	s := openWrite(t, dir)
	defer s.Close()

	if _, ok, err := s.Metadata(); err != nil || ok {
		t.Fatalf("Metadata() on a new collection = %v, %v", ok, err)
	}

	want := CollectionMetadata{
		ModelName:   "hash-384",
		ModelDim:    384,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		RecordCount: 1,
		LastRunID:   "run-1",
	}
	if err := s.SetMetadata(want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Metadata()
	if err != nil || !ok {
		t.Fatalf("Metadata() = %v, %v", ok, err)
	}
	if got.ModelName != want.ModelName || got.ModelDim != want.ModelDim || got.RecordCount != want.RecordCount ||
		got.LastRunID != want.LastRunID || !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("Metadata() = %+v, want %+v", got, want)
	}

	if err := s.Upsert(context.Background(), []Entry{entry("1", "Inbox", "a@x", 1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCollection(); err != nil {
		t.Fatalf("DeleteCollection() error = %v", err)
	}
	if n, _ := s.Count(context.Background(), filter.Criteria{}); n != 0 {
		t.Errorf("Count() after delete = %d", n)
	}
	if _, ok, _ := s.Metadata(); ok {
		t.Error("metadata survived DeleteCollection")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	s, err := Open(context.Background(), Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Upsert(context.Background(), []Entry{entry("1", "Inbox", "a@x", 1, 0)}); err == nil {
		t.Error("Upsert() on a read-only store succeeded")
	}
	if err := s.DeleteCollection(); err == nil {
		t.Error("DeleteCollection() on a read-only store succeeded")
	}
}

func TestLock_WriterExcludesOthers(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	writer := openWrite(t, dir)

	_, err := Open(context.Background(), Options{Path: dir, LockTimeout: 100 * time.Millisecond})
	if !errors.Is(err, model.ErrVectorStoreIO) {
		t.Fatalf("reader during write: error = %v, want ErrVectorStoreIO", err)
	}
	_, err = Open(context.Background(), Options{Path: dir, Mode: ReadWrite, LockTimeout: 100 * time.Millisecond})
	if !errors.Is(err, model.ErrVectorStoreIO) {
		t.Fatalf("second writer: error = %v, want ErrVectorStoreIO", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	r1, err := Open(context.Background(), Options{Path: dir, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("first reader: %v", err)
	}
	defer r1.Close()
	r2, err := Open(context.Background(), Options{Path: dir, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("second reader: %v", err)
	}
	defer r2.Close()
}
