package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingBus struct {
	ch chan string
}

func (b *recordingBus) Emit(event string, payload any) {
	select {
	case b.ch <- event:
	default:
	}
}

func newTestWorkspace(t *testing.T) (*Workspace, string, *recordingBus) {
	t.Helper()
	dir := t.TempDir()
	bus := &recordingBus{ch: make(chan string, 16)}
	w, err := New(dir, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir, bus
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	w, dir, _ := newTestWorkspace(t)

	mustWrite(t, filepath.Join(dir, "b.txt"), "b")
	mustWrite(t, filepath.Join(dir, "a.txt"), "a")
	if err := os.Mkdir(filepath.Join(dir, "zdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := w.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"adir", "zdir", "a.txt", "b.txt"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestListHidesGitDir(t *testing.T) {
	w, dir, _ := newTestWorkspace(t)
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(dir, "main.go"), "package main")

	entries, err := w.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if e.Name == ".git" {
			t.Error(".git directory leaked into listing")
		}
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestListSubdirectoryPaths(t *testing.T) {
	w, dir, _ := newTestWorkspace(t)
	mustWrite(t, filepath.Join(dir, "sub", "file.txt"), "data")

	entries, err := w.List("sub")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Path != filepath.Join("sub", "file.txt") {
		t.Errorf("path = %q", entries[0].Path)
	}
}

func TestListRejectsEscape(t *testing.T) {
	w, _, _ := newTestWorkspace(t)

	for _, rel := range []string{"..", "../outside", "sub/../../etc"} {
		_, err := w.List(rel)
		var escErr *EscapeError
		if !errors.As(err, &escErr) {
			t.Errorf("List(%q) = %v, want EscapeError", rel, err)
		}
	}
}

func TestListMissingDirectory(t *testing.T) {
	w, _, _ := newTestWorkspace(t)
	if _, err := w.List("nope"); err == nil {
		t.Error("listing a missing directory succeeded")
	}
}

func TestStatus(t *testing.T) {
	w, dir, _ := newTestWorkspace(t)
	mustWrite(t, filepath.Join(dir, "one.txt"), "1")
	mustWrite(t, filepath.Join(dir, "two.txt"), "2")

	st := w.Status()
	if !st.Exists {
		t.Error("existing root reported as missing")
	}
	if st.Entries != 2 {
		t.Errorf("entries = %d, want 2", st.Entries)
	}
	if st.Root != w.Root() {
		t.Errorf("root = %q, want %q", st.Root, w.Root())
	}

	gone, err := New(filepath.Join(dir, "missing"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gone.Close()
	if gone.Status().Exists {
		t.Error("missing root reported as existing")
	}
}

func TestWatcherEmitsAndInvalidates(t *testing.T) {
	w, dir, bus := newTestWorkspace(t)

	// Warm the cache.
	if _, err := w.List("."); err != nil {
		t.Fatalf("List: %v", err)
	}

	mustWrite(t, filepath.Join(dir, "fresh.txt"), "new")

	select {
	case event := <-bus.ch:
		if event != "workspace:changed" {
			t.Errorf("event = %q, want workspace:changed", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no workspace:changed event after file creation")
	}

	// The invalidated cache must pick the new file up without waiting
	// out the TTL.
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := w.List(".")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		found := false
		for _, e := range entries {
			if e.Name == "fresh.txt" {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("new file never appeared in listing")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
