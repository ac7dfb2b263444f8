// Package pathid validates identifiers that end up as names on disk.
//
// Task ids and record ids arrive from HTTP bodies, query strings and the
// index file. None of them is joined onto a filesystem path until it has
// been parsed into an ID and, for directory operations, resolved against
// its root with Resolve.
package pathid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxLen bounds the length of an identifier.
const MaxLen = 128

var (
	ErrInvalid     = errors.New("invalid identifier")
	ErrOutsideRoot = errors.New("path escapes root")
	ErrSymlink     = errors.New("path is a symbolic link")
)

var pattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ID is an identifier that is safe to use as a single path element.
type ID string

// Parse validates raw and returns it as an ID.
func Parse(raw string) (ID, error) {
	if !pattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return ID(raw), nil
}

// Valid reports whether raw would parse.
func Valid(raw string) bool {
	return pattern.MatchString(raw)
}

func (id ID) String() string { return string(id) }

// Resolve returns the path of id directly under root. It fails when the
// cleaned path is not strictly inside root or when the entry at that path is
// a symbolic link. A missing entry is not an error; callers Lstat again
// before acting on the path.
func Resolve(root string, id ID) (string, error) {
	if id == "" {
		return "", ErrInvalid
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candidate := filepath.Join(absRoot, string(id))
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil {
		return "", ErrOutsideRoot
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.ContainsRune(rel, filepath.Separator) {
		return "", ErrOutsideRoot
	}
	info, err := os.Lstat(candidate)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", ErrSymlink
	}
	return candidate, nil
}
