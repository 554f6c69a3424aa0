package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oprime/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"one", "two", "three"})
	if got != "one two three" {
		t.Fatalf("expected 'one two three', got '%s'", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := truncate(long, 20)
	if len(got) != 20 {
		t.Fatalf("expected 20 chars, got %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
	if truncate("line\nbreak", 50) != "line break" {
		t.Fatalf("expected newlines flattened")
	}
}

func TestProjectsAddAndList(t *testing.T) {
	tmp := withTestConfig(t)

	cmd := &cobra.Command{}
	cmd.Flags().String("goal", "Ship the v2 API", "help")

	output := captureOutput(t, func() {
		if err := runProjectsAdd(cmd, []string{"demo"}); err != nil {
			t.Fatalf("runProjectsAdd failed: %v", err)
		}
	})
	if !strings.Contains(output, `Project "demo" registered`) {
		t.Fatalf("expected registration notice, got: %s", output)
	}

	// Duplicate names are rejected
	if err := runProjectsAdd(cmd, []string{"demo"}); err == nil {
		t.Fatal("expected duplicate project to be rejected")
	}

	output = captureOutput(t, func() {
		if err := runProjectsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runProjectsList failed: %v", err)
		}
	})
	if !strings.Contains(output, "demo") || !strings.Contains(output, tmp) {
		t.Fatalf("expected project listing with workspace, got: %s", output)
	}

	output = captureOutput(t, func() {
		if err := runProjectsShow(&cobra.Command{}, []string{"demo"}); err != nil {
			t.Fatalf("runProjectsShow failed: %v", err)
		}
	})
	if !strings.Contains(output, "Ship the v2 API") {
		t.Fatalf("expected goal in show output, got: %s", output)
	}

	if err := runProjectsRemove(&cobra.Command{}, []string{"demo"}); err != nil {
		t.Fatalf("runProjectsRemove failed: %v", err)
	}
	output = captureOutput(t, func() {
		if err := runProjectsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runProjectsList failed: %v", err)
		}
	})
	if !strings.Contains(output, "No projects registered") {
		t.Fatalf("expected empty listing after remove, got: %s", output)
	}
}

func TestProjectsAddRejectsMissingWorkspace(t *testing.T) {
	tmp := withTestConfig(t)
	workspace = filepath.Join(tmp, "does-not-exist")

	cmd := &cobra.Command{}
	cmd.Flags().String("goal", "anything", "help")

	if err := runProjectsAdd(cmd, []string{"ghost"}); err == nil {
		t.Fatal("expected missing workspace to be rejected")
	}
}

func TestStatusWithoutDatabase(t *testing.T) {
	withTestConfig(t)

	output := captureOutput(t, func() {
		if err := showStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showStatus failed: %v", err)
		}
	})
	if !strings.Contains(output, "Database missing") {
		t.Fatalf("expected missing-database notice, got: %s", output)
	}
}

func TestInitCreatesConfigAndDatabase(t *testing.T) {
	withTestConfig(t)

	output := captureOutput(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInit failed: %v", err)
		}
	})
	if !strings.Contains(output, "Config written") {
		t.Fatalf("expected config notice, got: %s", output)
	}

	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("config file was not created: %v", err)
	}
	if _, err := os.Stat(cfg.Paths.Database); err != nil {
		t.Errorf("database was not created: %v", err)
	}

	// Second run keeps the existing config
	output = captureOutput(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInit second run failed: %v", err)
		}
	})
	if !strings.Contains(output, "already present") {
		t.Fatalf("expected idempotent notice, got: %s", output)
	}
}

func TestResolveSessionProject(t *testing.T) {
	withTestConfig(t)

	st, err := openStore()
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer st.Close()

	if _, err := resolveSessionProject(st); err == nil {
		t.Fatal("expected error with no projects registered")
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("goal", "first goal", "help")
	_ = captureOutput(t, func() {
		if err := runProjectsAdd(cmd, []string{"solo"}); err != nil {
			t.Fatalf("runProjectsAdd failed: %v", err)
		}
	})

	p, err := resolveSessionProject(st)
	if err != nil {
		t.Fatalf("resolveSessionProject failed: %v", err)
	}
	if p.Name != "solo" {
		t.Fatalf("expected the sole project, got %q", p.Name)
	}

	// With two projects the selection becomes ambiguous
	_ = captureOutput(t, func() {
		if err := runProjectsAdd(cmd, []string{"second"}); err != nil {
			t.Fatalf("runProjectsAdd failed: %v", err)
		}
	})
	if _, err := resolveSessionProject(st); err == nil {
		t.Fatal("expected ambiguity error with two projects")
	}

	project = "second"
	p, err = resolveSessionProject(st)
	if err != nil {
		t.Fatalf("resolveSessionProject with flag failed: %v", err)
	}
	if p.Name != "second" {
		t.Fatalf("expected flagged project, got %q", p.Name)
	}
}

// withTestConfig points the global config at a temp directory and restores
// the globals on cleanup.
func withTestConfig(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()

	origCfg, origWS, origProject, origPath := cfg, workspace, project, cfgPath
	t.Cleanup(func() {
		cfg, workspace, project, cfgPath = origCfg, origWS, origProject, origPath
	})

	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Paths.DataDir = filepath.Join(tmp, ".oprime")
	cfg.Paths.Database = filepath.Join(tmp, ".oprime", "oprime.db")
	cfgPath = filepath.Join(tmp, ".oprime", "config.yaml")
	workspace = tmp
	project = ""
	return tmp
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = orig
	return <-done
}
