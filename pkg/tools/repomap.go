package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

const (
	// repoMapMaxDepth bounds how deep the summary descends.
	repoMapMaxDepth = 3
	// repoMapMaxEntries bounds the total lines in a summary.
	repoMapMaxEntries = 200
)

// RepoMapper produces the repository summary the context window injects
// into system prompts: an indented tree of the project's directories
// and files, bounded in depth and size. The context window applies its
// own token cap on top.
type RepoMapper struct{}

// NewRepoMapper creates a mapper.
func NewRepoMapper() *RepoMapper {
	return &RepoMapper{}
}

// RepoMap walks projectPath and renders the tree. Directories in the
// search skip list are omitted.
func (m *RepoMapper) RepoMap(ctx context.Context, projectPath string) (string, error) {
	var b strings.Builder
	b.WriteString("Project layout:\n")

	entries := 0
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(projectPath, path)
		if relErr != nil || rel == "." {
			return nil
		}

		depth := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if depth >= repoMapMaxDepth {
				return filepath.SkipDir
			}
		} else if depth > repoMapMaxDepth || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		if entries >= repoMapMaxEntries {
			return filepath.SkipAll
		}
		entries++

		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(d.Name())
		if d.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to map %s: %w", projectPath, err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
