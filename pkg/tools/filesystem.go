package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxSearchResults = 100
	maxFileReadBytes = 256 * 1024
)

// skipDirs are directory names never descended into during searches.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".loom":        true,
	"vendor":       true,
}

// RegisterBuiltins adds the filesystem tool set to the registry.
func RegisterBuiltins(registry *Registry) {
	registry.Register(&FileReadTool{})
	registry.Register(&FileWriteTool{})
	registry.Register(&FileEditTool{})
	registry.Register(&DirectoryListTool{})
	registry.Register(&FileSearchTool{})
	registry.Register(&ContentSearchTool{})
}

// FileReadTool reads a file inside the project.
type FileReadTool struct{}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file" }
func (t *FileReadTool) Schema() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Doc: "Path to the file, relative to the project root"},
	}
}

func (t *FileReadTool) Run(_ context.Context, args map[string]any, tc ToolContext) (any, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := ResolvePath(path, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if info.Size() > maxFileReadBytes {
		return nil, fmt.Errorf("file %s is too large (%d bytes, limit %d)", path, info.Size(), maxFileReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// FileWriteTool creates or overwrites a file inside the project.
type FileWriteTool struct{}

func (t *FileWriteTool) Name() string        { return "file_write" }
func (t *FileWriteTool) Description() string { return "Create or overwrite a file with the given content" }
func (t *FileWriteTool) Schema() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Doc: "Path to the file, relative to the project root"},
		{Name: "content", Type: TypeString, Required: true, Doc: "Full content to write"},
	}
}

func (t *FileWriteTool) Run(_ context.Context, args map[string]any, tc ToolContext) (any, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, &MissingParamError{Param: "content"}
	}
	resolved, err := ResolvePath(path, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// FileEditTool replaces an exact text fragment in a file.
type FileEditTool struct{}

func (t *FileEditTool) Name() string { return "file_edit" }
func (t *FileEditTool) Description() string {
	return "Replace an exact text fragment in a file with new text"
}
func (t *FileEditTool) Schema() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Doc: "Path to the file, relative to the project root"},
		{Name: "old_string", Type: TypeString, Required: true, Doc: "Exact text to replace; must appear exactly once"},
		{Name: "new_string", Type: TypeString, Required: true, Doc: "Replacement text"},
	}
}

func (t *FileEditTool) Run(_ context.Context, args map[string]any, tc ToolContext) (any, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	oldString, err := StringArg(args, "old_string")
	if err != nil {
		return nil, err
	}
	newString, ok := args["new_string"].(string)
	if !ok {
		return nil, &MissingParamError{Param: "new_string"}
	}
	resolved, err := ResolvePath(path, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content := string(data)

	switch count := strings.Count(content, oldString); count {
	case 0:
		return nil, fmt.Errorf("old_string not found in %s", path)
	case 1:
	default:
		return nil, fmt.Errorf("old_string appears %d times in %s; provide more context to make it unique", count, path)
	}

	content = strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Edited %s", path), nil
}

// DirectoryListTool lists one directory level.
type DirectoryListTool struct{}

func (t *DirectoryListTool) Name() string        { return "directory_list" }
func (t *DirectoryListTool) Description() string { return "List the entries of a directory" }
func (t *DirectoryListTool) Schema() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: false, Doc: "Directory path, relative to the project root; defaults to the root"},
	}
}

func (t *DirectoryListTool) Run(_ context.Context, args map[string]any, tc ToolContext) (any, error) {
	path := OptionalStringArg(args, "path")
	if path == "" {
		path = "."
	}
	resolved, err := ResolvePath(path, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

// FileSearchTool finds files whose names match a glob pattern.
type FileSearchTool struct{}

func (t *FileSearchTool) Name() string { return "file_search" }
func (t *FileSearchTool) Description() string {
	return "Find files by name; the pattern is a glob matched against each file name"
}
func (t *FileSearchTool) Schema() []Param {
	return []Param{
		{Name: "pattern", Type: TypeString, Required: true, Doc: "Glob pattern, e.g. *.go or config.*"},
	}
}

func (t *FileSearchTool) Run(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
	pattern, err := StringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	root, err := ResolvePath(".", tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, matchErr := filepath.Match(pattern, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if ok {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			matches = append(matches, rel)
			if len(matches) >= maxSearchResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No files matching %q", pattern), nil
	}
	return strings.Join(matches, "\n"), nil
}

// ContentSearchTool greps file contents with a regular expression.
type ContentSearchTool struct{}

func (t *ContentSearchTool) Name() string { return "content_search" }
func (t *ContentSearchTool) Description() string {
	return "Search file contents with a regular expression; returns path:line: text matches"
}
func (t *ContentSearchTool) Schema() []Param {
	return []Param{
		{Name: "pattern", Type: TypeString, Required: true, Doc: "Regular expression to search for"},
		{Name: "path", Type: TypeString, Required: false, Doc: "Subdirectory to search; defaults to the project root"},
	}
}

func (t *ContentSearchTool) Run(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
	pattern, err := StringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	searchPath := OptionalStringArg(args, "path")
	if searchPath == "" {
		searchPath = "."
	}
	root, err := ResolvePath(searchPath, tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	projectRoot, err := ResolvePath(".", tc.ProjectPath)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxFileReadBytes {
			return nil
		}

		found, scanErr := scanFile(path, projectRoot, re, maxSearchResults-len(matches))
		if scanErr != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= maxSearchResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No matches for %q", pattern), nil
	}
	return strings.Join(matches, "\n"), nil
}

func scanFile(path, root string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, '\x00') {
			// Binary file; stop scanning it.
			return matches, nil
		}
		if re.MatchString(line) {
			matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
			if len(matches) >= limit {
				return matches, nil
			}
		}
	}
	return matches, scanner.Err()
}
