package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTracker_Persists(t *testing.T) {
	path := Path(t.TempDir(), "mail_archive")

	tracker, err := NewFileTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	fpA := Fingerprint("hash-384", "alpha")
	if err := tracker.Mark("a", fpA); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Mark("b", Fingerprint("hash-384", "beta")); err != nil {
		t.Fatal(err)
	}
	// b changed: the later line wins on reload.
	fpB := Fingerprint("hash-384", "beta v2")
	if err := tracker.Mark("b", fpB); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewFileTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if !reloaded.Unchanged("a", fpA) || !reloaded.Unchanged("b", fpB) {
		t.Error("reloaded tracker lost records")
	}
	if reloaded.Unchanged("b", Fingerprint("hash-384", "beta")) {
		t.Error("stale fingerprint reported unchanged")
	}
	if reloaded.Unchanged("a", Fingerprint("hash-128", "alpha")) {
		t.Error("fingerprint ignores the model")
	}
	if got := reloaded.Snapshot().Records; got != 2 {
		t.Errorf("Snapshot().Records = %d, want 2", got)
	}
}

func TestFileTracker_Reset(t *testing.T) {
	path := Path(t.TempDir(), "c")
	tracker, err := NewFileTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = tracker.Mark("a", "1")
	if err := tracker.Reset(); err != nil {
		t.Fatal(err)
	}
	_ = tracker.Mark("b", "2")
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 1 || !strings.Contains(lines[0], `"id":"b"`) {
		t.Errorf("state file after reset = %q", data)
	}
}

func TestFileTracker_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.state.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":\"a\",\"fingerprint\":\"1\"}\nnot json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTracker(path); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("NewFileTracker() error = %v, want parse error on line 2", err)
	}
}

func TestMemoryTracker(t *testing.T) {
	m := NewMemoryTracker()
	if m.Unchanged("", "x") || m.Unchanged("a", "") {
		t.Error("empty keys reported unchanged")
	}
	_ = m.Mark("a", "x")
	if !m.Unchanged("a", "x") || m.Unchanged("a", "y") {
		t.Error("Unchanged() mismatch")
	}
}
