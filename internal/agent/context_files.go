package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxContextFileSize caps a single file attached with @path or AddContextFile.
const MaxContextFileSize = 1 << 20

// An @ only starts a reference at the beginning of the text or after
// whitespace, so addresses like user@example.com are left alone.
var contextRefPattern = regexp.MustCompile(`(^|\s)@([^\s@]+)`)

// ExtractContextRefs returns the @path references in text, in order.
func ExtractContextRefs(text string) []string {
	matches := contextRefPattern.FindAllStringSubmatch(text, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[2])
	}
	return refs
}

// StripContextRefs removes @path references and trims the result.
func StripContextRefs(text string) string {
	return strings.TrimSpace(contextRefPattern.ReplaceAllString(text, "$1"))
}

// contextMessage renders file content as a transcript entry.
func contextMessage(path, content string) string {
	return fmt.Sprintf("Context from file '%s':\n\n```\n%s\n```", path, content)
}

// resolvePath expands a leading ~ and makes path absolute against dir.
func resolvePath(path, home, dir string) string {
	switch {
	case path == "~":
		path = home
	case strings.HasPrefix(path, "~/"):
		path = filepath.Join(home, path[2:])
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return filepath.Clean(path)
}

func readContextFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("failed to read file '%s': is a directory", path)
	}
	if info.Size() > MaxContextFileSize {
		return "", fmt.Errorf("failed to read file '%s': %d bytes exceeds the %d byte limit", path, info.Size(), MaxContextFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	return string(data), nil
}
