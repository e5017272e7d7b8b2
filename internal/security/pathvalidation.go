// Package security guards file paths built from recording metadata.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a relative path would leave its root.
var ErrPathEscape = errors.New("path escapes root")

// JoinWithin joins rel onto root and rejects absolute rel values and any
// rel that climbs out of root through ".." components. The check is lexical;
// root need not exist yet.
func JoinWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path under %s", root)
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s under %s", ErrPathEscape, rel, root)
	}
	return filepath.Join(root, clean), nil
}

// SanitizeFilename makes a single path component from an arbitrary string.
// Characters other than ASCII letters, digits, dot, underscore or dash become
// one underscore per run; leading and trailing dots and underscores are
// trimmed; the result is at most 128 bytes. An empty result is "unknown".
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
