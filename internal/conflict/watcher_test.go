package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func collectChanges(t *testing.T, dir string) (*Watcher, func() []Change) {
	t.Helper()

	var mu sync.Mutex
	var changes []Change
	w, err := New(dir,
		WithDebounce(20*time.Millisecond),
		WithChangeFunc(func(c Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		}))
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(w.Stop)

	return w, func() []Change {
		mu.Lock()
		defer mu.Unlock()
		return append([]Change(nil), changes...)
	}
}

func waitForChange(t *testing.T, snapshot func() []Change, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range snapshot() {
			if c.Path == path {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no change reported for %s; got %v", path, snapshot())
}

func TestReportsExternalWrite(t *testing.T) {
	dir := t.TempDir()
	w, snapshot := collectChanges(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "edited.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForChange(t, snapshot, "edited.go")

	recent := w.RecentChanges(time.Minute)
	if len(recent) == 0 {
		t.Fatal("RecentChanges empty after reported write")
	}
}

func TestWatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	_, snapshot := collectChanges(t, dir)

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.go"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForChange(t, snapshot, filepath.Join("pkg", "inner.go"))
}

func TestIgnoredDirectoriesAreSilent(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, snapshot := collectChanges(t, dir)

	if err := os.WriteFile(filepath.Join(dir, ".git", "index"), []byte("z"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real.go"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForChange(t, snapshot, "real.go")

	for _, c := range snapshot() {
		if strings.HasPrefix(c.Path, ".git") {
			t.Fatalf("change reported under ignored dir: %v", c)
		}
	}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	_, snapshot := collectChanges(t, dir)

	path := filepath.Join(dir, "busy.go")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitForChange(t, snapshot, "busy.go")
	// All five writes landed inside one debounce window.
	time.Sleep(100 * time.Millisecond)

	count := 0
	for _, c := range snapshot() {
		if c.Path == "busy.go" {
			count++
		}
	}
	if count > 2 {
		t.Fatalf("burst reported %d times, want coalesced", count)
	}
}

func TestRecentChangesExpire(t *testing.T) {
	dir := t.TempDir()
	w, snapshot := collectChanges(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "old.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, snapshot, "old.go")

	if got := w.RecentChanges(-time.Second); len(got) != 0 {
		t.Fatalf("expired changes still reported: %v", got)
	}
}
