// ABOUTME: Tests for database identity canonicalization
// ABOUTME: Covers relative paths, cleaning, and the in-memory marker

package dbpath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalMemory(t *testing.T) {
	got, err := Canonical(":memory:")
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if got != Memory {
		t.Errorf("got %q, want %q", got, Memory)
	}
	if !IsMemory(got) {
		t.Error("IsMemory returned false for the marker")
	}
}

func TestCanonicalRelative(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}

	got, err := Canonical("data/app.db")
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := filepath.Join(wd, "data", "app.db")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCanonicalCleansDots(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}

	got, err := Canonical("./x/../app.db")
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := filepath.Join(wd, "app.db")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCanonicalAbsoluteUnchanged(t *testing.T) {
	in := filepath.Join(string(filepath.Separator), "var", "lib", "shared.db")
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if got != in {
		t.Errorf("got %q, want %q", got, in)
	}
}

func TestCanonicalEmpty(t *testing.T) {
	if _, err := Canonical(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestIsMemoryFile(t *testing.T) {
	if IsMemory("/tmp/a.db") {
		t.Error("IsMemory returned true for a file path")
	}
}
