package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Tracker remembers which records are already embedded, and from which
// input, so unchanged records can be skipped on the next run.
type Tracker interface {
	Unchanged(id, fingerprint string) bool
	Mark(id, fingerprint string) error
	// Flush makes the marks so far durable.
	Flush() error
	Snapshot() Snapshot
}

type Snapshot struct {
	Records int
}

// Fingerprint identifies the embedding of input by modelName.
func Fingerprint(modelName, input string) string {
	d := xxhash.New()
	_, _ = d.WriteString(modelName)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(input)
	return strconv.FormatUint(d.Sum64(), 16)
}

// Path is the state file kept next to a collection.
func Path(collectionPath, collection string) string {
	return filepath.Join(collectionPath, collection+".state.jsonl")
}

type MemoryTracker struct {
	mu      sync.RWMutex
	records map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]string)}
}

func (m *MemoryTracker) Unchanged(id, fingerprint string) bool {
	if id == "" || fingerprint == "" {
		return false
	}

	m.mu.RLock()
	fp, ok := m.records[id]
	m.mu.RUnlock()
	return ok && fp == fingerprint
}

func (m *MemoryTracker) Mark(id, fingerprint string) error {
	if id == "" {
		return nil
	}

	m.mu.Lock()
	m.records[id] = fingerprint
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Flush() error {
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.records)
	m.mu.RUnlock()
	return Snapshot{Records: count}
}

// FileTracker persists fingerprints as JSON lines. Later lines for the same
// id win when the file is loaded.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

func NewFileTracker(path string) (*FileTracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          path,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}
	if err := tracker.open(os.O_CREATE | os.O_WRONLY | os.O_APPEND); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (f *FileTracker) open(flag int) error {
	file, err := os.OpenFile(f.path, flag, 0o600)
	if err != nil {
		return fmt.Errorf("open state file for append: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.ID == "" {
			continue
		}

		f.mu.Lock()
		f.records[record.ID] = record.Fingerprint
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) Mark(id, fingerprint string) error {
	if id == "" {
		return nil
	}

	f.mu.Lock()
	if fp, exists := f.records[id]; exists && fp == fingerprint {
		f.mu.Unlock()
		return nil
	}
	f.records[id] = fingerprint
	f.mu.Unlock()

	data, err := json.Marshal(fileRecord{ID: id, Fingerprint: fingerprint})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Reset forgets every record and truncates the file. It is used when the
// collection the state describes was dropped.
func (f *FileTracker) Reset() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.Lock()
	f.records = make(map[string]string)
	f.mu.Unlock()

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	return f.open(os.O_CREATE | os.O_WRONLY | os.O_TRUNC | os.O_APPEND)
}

// Flush writes any buffered data to the underlying file and syncs it.
func (f *FileTracker) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
