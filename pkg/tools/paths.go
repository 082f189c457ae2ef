package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath resolves a tool-supplied path against the project root
// and rejects any result that escapes it. Symlinks are canonicalised
// before the boundary check; for paths that do not exist yet the parent
// directory is canonicalised instead.
func ResolvePath(path, projectPath string) (string, error) {
	if projectPath == "" {
		return "", fmt.Errorf("project path is not set")
	}

	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(projectPath, path))
	}

	rootReal := canonicalize(projectPath)
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("access denied: cannot resolve path %s", path)
		}
		// Not created yet: canonicalise the deepest existing ancestor and
		// re-append the missing components.
		real = resolveThroughAncestors(resolved)
	}

	if !isPathInside(real, rootReal) {
		return "", fmt.Errorf("access denied: path %s is outside the project", path)
	}
	return real, nil
}

func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

func resolveThroughAncestors(target string) string {
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if real, err := filepath.EvalSymlinks(current); err == nil {
			for _, component := range tail {
				real = filepath.Join(real, component)
			}
			return real
		}
	}
	return filepath.Clean(target)
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
