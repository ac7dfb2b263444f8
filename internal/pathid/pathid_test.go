package pathid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	valid := []string{
		"task_abc123",
		"3f2a9c1e-8d7b-4c3a-9e21-0b5f6d7a8c90",
		"a",
		"A.b-c_d",
		"x..y",
		strings.Repeat("a", MaxLen),
	}
	for _, raw := range valid {
		if _, err := Parse(raw); err != nil {
			t.Errorf("Parse(%q) = %v, want ok", raw, err)
		}
	}
	invalid := []string{
		"",
		".",
		"..",
		"../etc",
		".hidden",
		"-dash",
		"a/b",
		`a\b`,
		"a b",
		"task\x00",
		"ünicode",
		strings.Repeat("a", MaxLen+1),
	}
	for _, raw := range invalid {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q) = %v, want ErrInvalid", raw, err)
		}
		if Valid(raw) {
			t.Errorf("Valid(%q) = true", raw)
		}
	}
}

func TestResolveInsideRoot(t *testing.T) {
	root := t.TempDir()
	id, _ := Parse("task_1")
	got, err := Resolve(root, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	absRoot, _ := filepath.Abs(root)
	if got != filepath.Join(absRoot, "task_1") {
		t.Fatalf("resolve = %s", got)
	}
}

func TestResolveRejectsUnparsedEscapes(t *testing.T) {
	root := t.TempDir()
	for _, raw := range []string{"..", "../x", "a/../../b", ""} {
		if _, err := Resolve(root, ID(raw)); err == nil {
			t.Errorf("Resolve(%q) succeeded, want error", raw)
		}
	}
}

func TestResolveRejectsSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := Resolve(root, ID("link")); !errors.Is(err, ErrSymlink) {
		t.Fatalf("resolve symlink = %v, want ErrSymlink", err)
	}
}
