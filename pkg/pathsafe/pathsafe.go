// Package pathsafe resolves client-supplied paths against a share root
// without allowing traversal outside it.
package pathsafe

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned when a path contains a parent-directory
// component.
var ErrTraversal = errors.New("parent directory traversal is not allowed")

// ErrOutsideRoot is returned when a resolved path escapes the share root.
var ErrOutsideRoot = errors.New("path is outside configured root directory")

// RelativeParts splits a client path into clean components. Backslashes are
// treated as separators so Windows-style input behaves the same. Empty and
// "." components are dropped; ".." is rejected.
func RelativeParts(raw string) ([]string, error) {
	normalized := strings.ReplaceAll(raw, "\\", "/")
	var parts []string
	for _, part := range strings.Split(normalized, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, ErrTraversal
		default:
			parts = append(parts, part)
		}
	}
	return parts, nil
}

// Resolve maps a client path onto the filesystem under root. An empty path
// resolves to the root itself. Absolute input is accepted only when it
// already lies within root; relative input is joined component-wise after
// traversal screening.
func Resolve(root, raw string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rootAbs, nil
	}

	var resolved string
	if looksAbsolute(raw) {
		if !filepath.IsAbs(raw) {
			return "", errors.New("absolute path is not valid on this platform")
		}
		resolved = filepath.Clean(raw)
	} else {
		parts, err := RelativeParts(raw)
		if err != nil {
			return "", err
		}
		resolved = filepath.Join(append([]string{rootAbs}, parts...)...)
	}

	if !Within(rootAbs, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// Within reports whether path equals root or lies underneath it. Both
// arguments must already be absolute and clean.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ToClientPath converts an absolute path under root back to the
// slash-separated form used on the wire. The root itself maps to "".
func ToClientPath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// looksAbsolute matches Unix absolute paths plus Windows drive and UNC
// forms, mirroring how clients on either platform write them.
func looksAbsolute(raw string) bool {
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "\\") {
		return true
	}
	if len(raw) >= 2 && raw[1] == ':' &&
		(('a' <= raw[0] && raw[0] <= 'z') || ('A' <= raw[0] && raw[0] <= 'Z')) {
		return true
	}
	return false
}
