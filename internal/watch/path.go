package watch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// relBase returns the immediate child-of-dir name for path, or an error
// if path is not a direct child of dir (e.g. an event inside a plugin's
// own subdirectory, which the watcher ignores).
func relBase(dir, path string) (string, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("not a direct child of %s: %s", dir, path)
	}
	return rel, nil
}
