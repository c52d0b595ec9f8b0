package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver turns model-supplied paths into absolute paths.
type Resolver struct {
	// Root is the base for relative paths and, when Restrict is set, the
	// directory every path must stay inside. Empty means the process
	// working directory.
	Root string
	// Home replaces a leading "~". Empty means the user's home directory.
	Home     string
	Restrict bool
}

// Resolve expands "~", makes path absolute against Root and cleans it.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	if clean == "~" || strings.HasPrefix(clean, "~/") {
		home := r.Home
		if home == "" {
			var err error
			if home, err = os.UserHomeDir(); err != nil {
				return "", fmt.Errorf("resolve home directory: %w", err)
			}
		}
		clean = filepath.Join(home, strings.TrimPrefix(clean, "~"))
	}

	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	if !r.Restrict {
		return target, nil
	}

	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path '%s' is outside the workspace %s", path, rootAbs)
	}
	return target, nil
}
