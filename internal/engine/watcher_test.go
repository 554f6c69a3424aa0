package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsResultFile(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)
	w, err := startResultWatcher(dir, ResultFileName, 20*time.Millisecond, func(p string) { got <- p })
	if err != nil {
		t.Fatalf("startResultWatcher: %v", err)
	}
	defer w.stop()

	// Unrelated files in the same directory must not fire.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		t.Fatalf("watcher fired for unrelated file %s", p)
	case <-time.After(100 * time.Millisecond):
	}

	want := filepath.Join(dir, ResultFileName)
	if err := os.WriteFile(want, []byte("result"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if p != want {
			t.Errorf("reported path = %q, want %q", p, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the result file")
	}
}

func TestWatcherReportsPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, ResultFileName)
	if err := os.WriteFile(want, []byte("already here"), 0644); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	w, err := startResultWatcher(dir, ResultFileName, 20*time.Millisecond, func(p string) { got <- p })
	if err != nil {
		t.Fatalf("startResultWatcher: %v", err)
	}
	defer w.stop()

	select {
	case p := <-got:
		if p != want {
			t.Errorf("reported path = %q, want %q", p, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher missed the file that predated it")
	}
}

func TestWatcherCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dev_logs")
	got := make(chan string, 1)
	w, err := startResultWatcher(dir, ResultFileName, 20*time.Millisecond, func(p string) { got <- p })
	if err != nil {
		t.Fatalf("startResultWatcher: %v", err)
	}
	defer w.stop()

	if err := os.WriteFile(filepath.Join(dir, ResultFileName), []byte("res"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report a file in the created directory")
	}
}

func TestWatcherStopIsIdempotentAndFinal(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)
	w, err := startResultWatcher(dir, ResultFileName, 20*time.Millisecond, func(p string) { got <- p })
	if err != nil {
		t.Fatalf("startResultWatcher: %v", err)
	}

	w.stop()
	w.stop()

	if err := os.WriteFile(filepath.Join(dir, ResultFileName), []byte("late"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		t.Fatalf("stopped watcher fired for %s", p)
	case <-time.After(150 * time.Millisecond):
	}
}
