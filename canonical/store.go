package canonical

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dhcgn/mailvec/model"
)

// FileName is the canonical store inside a dataset directory.
const FileName = "records.jsonl"

// RecordID derives the stable record id from the folder path, the position
// inside the folder and the archive-native identifier.
func RecordID(folderPath string, index int, nativeID string) string {
	h := sha256.New()
	h.Write([]byte(folderPath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(nativeID))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Writer writes a complete canonical store. Records go to a temporary
// sibling of the target which replaces the target on Commit.
type Writer struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	count   int
	writeMu sync.Mutex
	done    bool
}

func NewWriter(path string) (*Writer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("canonical store path is empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create canonical directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create canonical temp file: %w", err)
	}

	return &Writer{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024), // 64KB buffer
	}, nil
}

func (w *Writer) Write(rec model.MessageRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record in folder %q at %d has no id", rec.FolderPath, rec.Index)
	}
	// Sequences are written as [] rather than null.
	if rec.Recipients == nil {
		rec.Recipients = []string{}
	}
	if rec.Attachments == nil {
		rec.Attachments = []model.Attachment{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.done {
		return fmt.Errorf("write record %s: writer closed", rec.ID)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	w.count++
	return nil
}

// Count is the number of records written so far.
func (w *Writer) Count() int {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.count
}

// Commit flushes, syncs and renames the temporary file over the target.
func (w *Writer) Commit() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.done {
		return fmt.Errorf("commit canonical store: writer closed")
	}
	w.done = true

	var firstErr error
	if err := w.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush canonical store: %w", err)
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync canonical store: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close canonical store: %w", err)
	}
	if firstErr != nil {
		_ = os.Remove(w.file.Name())
		return firstErr
	}

	if err := os.Rename(w.file.Name(), w.path); err != nil {
		_ = os.Remove(w.file.Name())
		return fmt.Errorf("replace canonical store: %w", err)
	}
	return nil
}

// Abort discards everything written. The previous store, if any, is kept.
func (w *Writer) Abort() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.done {
		return nil
	}
	w.done = true

	_ = w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove canonical temp file: %w", err)
	}
	return nil
}

// Reader reads a canonical store line by line.
type Reader struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	line   int
}

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open canonical store: %w", err)
	}
	return &Reader{
		path:   path,
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
	}, nil
}

// Next returns the next record, or io.EOF after the last one. A line that is
// not a record fails with model.ErrCanonicalCorrupt.
func (r *Reader) Next() (model.MessageRecord, error) {
	for {
		data, err := r.reader.ReadBytes('\n')
		if len(data) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return model.MessageRecord{}, io.EOF
			}
			return model.MessageRecord{}, fmt.Errorf("read canonical store: %w", err)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return model.MessageRecord{}, fmt.Errorf("read canonical store: %w", err)
		}
		r.line++

		data = trimNewline(data)
		if len(data) == 0 {
			continue
		}

		var rec model.MessageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return model.MessageRecord{}, fmt.Errorf("%w: %s line %d: %v", model.ErrCanonicalCorrupt, r.path, r.line, err)
		}
		if rec.ID == "" {
			return model.MessageRecord{}, fmt.Errorf("%w: %s line %d: record without id", model.ErrCanonicalCorrupt, r.path, r.line)
		}
		return rec, nil
	}
}

// NextBatch returns up to size records. The final batch may be shorter; an
// empty batch comes with io.EOF.
func (r *Reader) NextBatch(size int) ([]model.MessageRecord, error) {
	if size <= 0 {
		size = 1
	}
	batch := make([]model.MessageRecord, 0, size)
	for len(batch) < size {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			if len(batch) == 0 {
				return nil, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ForEach calls fn for every record of the store at path in order.
func ForEach(path string, fn func(model.MessageRecord) error) error {
	reader, err := Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Count returns the number of records in the store at path.
func Count(path string) (int, error) {
	n := 0
	err := ForEach(path, func(model.MessageRecord) error {
		n++
		return nil
	})
	return n, err
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
