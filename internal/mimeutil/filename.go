package mimeutil

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"
)

const maxFilenameLen = 120

// SanitizeFilename turns an attachment filename from an untrusted message
// into a name safe to create under the save directory. Encoded words are
// decoded, any path component is dropped, and characters that are reserved
// on common filesystems are stripped.
func SanitizeFilename(name string) string {
	if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
		name = decoded
	}

	// Some clients smuggle full paths into the filename parameter.
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case strings.ContainsRune(`/\:*?"<>|`, r):
			// drop filesystem-reserved characters
		default:
			b.WriteRune(r)
		}
	}
	name = strings.TrimSpace(b.String())
	name = strings.Trim(name, ".")

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	if name == "" {
		name = "unnamed"
	}
	return name
}

// Slug reduces a subject or folder name to a short path-safe token.
func Slug(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '/' || r == '.':
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	for strings.Contains(slug, "__") {
		slug = strings.ReplaceAll(slug, "__", "_")
	}
	if maxLen > 0 && len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// SafeJoin joins path elements under root and verifies the result stays
// inside root. The elements come from message content, so traversal has to
// be checked after cleaning, not assumed.
func SafeJoin(root string, elems ...string) (string, error) {
	joined := filepath.Join(append([]string{root}, elems...)...)
	cleanRoot := filepath.Clean(root)
	rel, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", fmt.Errorf("resolving path under %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", filepath.Join(elems...), root)
	}
	return joined, nil
}
