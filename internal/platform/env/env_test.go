package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFallbacks(t *testing.T) {
	t.Setenv("AGENDA_TEST_INT", "nope")
	t.Setenv("AGENDA_TEST_DUR", "-1s")
	t.Setenv("AGENDA_TEST_BOOL", "true")

	if got := Int("AGENDA_TEST_INT", 4); got != 4 {
		t.Fatalf("Int fallback: %d", got)
	}
	if got := Duration("AGENDA_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("Duration fallback: %s", got)
	}
	if !Bool("AGENDA_TEST_BOOL", false) {
		t.Fatalf("Bool parse failed")
	}
	if got := String("AGENDA_TEST_UNSET", "x"); got != "x" {
		t.Fatalf("String fallback: %q", got)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AGENDA_FROM_FILE=file\nAGENDA_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("GO_ENV", "development")
	t.Setenv("AGENDA_PRESET", "process")
	t.Cleanup(func() { os.Unsetenv("AGENDA_FROM_FILE") })

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("AGENDA_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
	if got := os.Getenv("AGENDA_PRESET"); got != "process" {
		t.Fatalf("process env must win, got %q", got)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GO_ENV", "")
	if err := Load(); err != nil {
		t.Fatalf("Load without .env: %v", err)
	}
}
