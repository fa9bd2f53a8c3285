// Package file provides workspace-scoped filesystem tools: listing, reading,
// searching, writing, editing, and diffing files.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pawelserkowski-lang/hydra"
)

const (
	readCap        = 50_000 // chars returned by read_file before truncation
	sectionMaxRows = 500
	searchMaxHits  = 100
	findMaxHits    = 100
	diffMaxLines   = 200
)

// skipDirs are never descended into by search_files and find_file.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	".venv": true, "__pycache__": true, "target": true, "dist": true,
}

// Tool provides file operations restricted to a workspace root. Absolute
// paths and traversal outside the root are rejected.
type Tool struct {
	root string
}

// New creates a file tool rooted at root.
func New(root string) *Tool {
	return &Tool{root: filepath.Clean(root)}
}

func (t *Tool) Definitions() []hydra.ToolDefinition {
	return []hydra.ToolDefinition{
		{
			Name:        "list_directory",
			Description: "List entries of a workspace directory with sizes. Directories end with /.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace; empty for the root"}},"required":[]}`),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the workspace. Large files are truncated; use read_file_section for specific ranges.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "read_file_section",
			Description: "Read a line range of a file. Lines are 1-indexed; at most 500 lines per call.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"start_line":{"type":"integer","description":"First line, 1-indexed"},"end_line":{"type":"integer","description":"Last line, inclusive"}},"required":["path","start_line","end_line"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a workspace file, creating parent directories as needed. Overwrites existing content.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must occur exactly once; include surrounding lines to disambiguate.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}},"required":["path","old_string","new_string"]}`),
		},
		{
			Name:        "search_files",
			Description: "Search file contents with a case-insensitive regular expression. Invalid patterns are matched literally. Returns path:line: text hits.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"Subdirectory to search; empty for the whole workspace"}},"required":["pattern"]}`),
		},
		{
			Name:        "find_file",
			Description: "Find files whose name matches a glob pattern, e.g. *.go or config.*.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string","description":"Glob matched against file names"}},"required":["pattern"]}`),
		},
		{
			Name:        "diff_files",
			Description: "Unified diff of two workspace files, capped at 200 lines.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path_a":{"type":"string"},"path_b":{"type":"string"}},"required":["path_a","path_b"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (hydra.ToolOutput, error) {
	var params struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
		Pattern   string `json:"pattern"`
		PathA     string `json:"path_a"`
		PathB     string `json:"path_b"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid args: %w", err)
	}

	switch name {
	case "list_directory":
		return t.listDirectory(params.Path)
	case "read_file":
		return t.readFile(params.Path)
	case "read_file_section":
		return t.readSection(params.Path, params.StartLine, params.EndLine)
	case "write_file":
		return t.writeFile(params.Path, params.Content)
	case "edit_file":
		return t.editFile(params.Path, params.OldString, params.NewString)
	case "search_files":
		return t.searchFiles(ctx, params.Pattern, params.Path)
	case "find_file":
		return t.findFile(ctx, params.Pattern)
	case "diff_files":
		return t.diffFiles(params.PathA, params.PathB)
	default:
		return hydra.ToolOutput{}, fmt.Errorf("unknown file tool: %s", name)
	}
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// absolute inputs and anything that escapes the root.
func (t *Tool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.root, path)
	if resolved != t.root && !strings.HasPrefix(resolved, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) listDirectory(path string) (hydra.ToolOutput, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("list error: %w", err)
	}
	if len(entries) == 0 {
		return hydra.ToolOutput{Text: "(empty directory)"}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	return hydra.ToolOutput{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *Tool) readFile(path string) (hydra.ToolOutput, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read error: %w", err)
	}
	content := string(data)
	if len(content) > readCap {
		content = content[:readCap] + "\n... (truncated, use read_file_section for the rest)"
	}
	return hydra.ToolOutput{Text: content}, nil
}

func (t *Tool) readSection(path string, start, end int) (hydra.ToolOutput, error) {
	if start < 1 || end < start {
		return hydra.ToolOutput{}, fmt.Errorf("invalid line range %d-%d", start, end)
	}
	if end-start+1 > sectionMaxRows {
		return hydra.ToolOutput{}, fmt.Errorf("range exceeds %d lines", sectionMaxRows)
	}
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read error: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if start > len(lines) {
		return hydra.ToolOutput{}, fmt.Errorf("start_line %d past end of file (%d lines)", start, len(lines))
	}
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return hydra.ToolOutput{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *Tool) writeFile(path, content string) (hydra.ToolOutput, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("write error: %w", err)
	}
	return hydra.ToolOutput{Text: fmt.Sprintf("Written %d bytes to %s", len(content), path)}, nil
}

func (t *Tool) editFile(path, oldStr, newStr string) (hydra.ToolOutput, error) {
	if oldStr == "" {
		return hydra.ToolOutput{}, fmt.Errorf("old_string is required")
	}
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read error: %w", err)
	}
	content := string(data)
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return hydra.ToolOutput{}, fmt.Errorf("old_string not found in %s", path)
	case n > 1:
		return hydra.ToolOutput{}, fmt.Errorf("old_string occurs %d times in %s, must be unique", n, path)
	}
	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("write error: %w", err)
	}
	return hydra.ToolOutput{Text: fmt.Sprintf("Edited %s (%+d bytes)", path, len(newStr)-len(oldStr))}, nil
}

func (t *Tool) searchFiles(ctx context.Context, pattern, sub string) (hydra.ToolOutput, error) {
	if pattern == "" {
		return hydra.ToolOutput{}, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		// Invalid regex degrades to a literal search.
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}
	start, err := t.resolve(sub)
	if err != nil {
		return hydra.ToolOutput{}, err
	}

	var hits []string
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != start) {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(t.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= searchMaxHits {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return hydra.ToolOutput{}, walkErr
	}
	if len(hits) == 0 {
		return hydra.ToolOutput{Text: "no matches"}, nil
	}
	out := strings.Join(hits, "\n")
	if len(hits) >= searchMaxHits {
		out += fmt.Sprintf("\n... (stopped at %d matches)", searchMaxHits)
	}
	return hydra.ToolOutput{Text: out}, nil
}

func (t *Tool) findFile(ctx context.Context, pattern string) (hydra.ToolOutput, error) {
	if pattern == "" {
		return hydra.ToolOutput{}, fmt.Errorf("pattern is required")
	}
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid glob: %w", err)
	}

	var found []string
	walkErr := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != t.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			rel, _ := filepath.Rel(t.root, path)
			found = append(found, rel)
			if len(found) >= findMaxHits {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return hydra.ToolOutput{}, walkErr
	}
	if len(found) == 0 {
		return hydra.ToolOutput{Text: "no files match " + pattern}, nil
	}
	sort.Strings(found)
	return hydra.ToolOutput{Text: strings.Join(found, "\n")}, nil
}

func (t *Tool) diffFiles(pathA, pathB string) (hydra.ToolOutput, error) {
	resolvedA, err := t.resolve(pathA)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	resolvedB, err := t.resolve(pathB)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	dataA, err := os.ReadFile(resolvedA)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read %s: %w", pathA, err)
	}
	dataB, err := os.ReadFile(resolvedB)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read %s: %w", pathB, err)
	}

	diff := unifiedDiff(pathA, pathB, strings.Split(string(dataA), "\n"), strings.Split(string(dataB), "\n"))
	if diff == "" {
		return hydra.ToolOutput{Text: "files are identical"}, nil
	}
	lines := strings.Split(diff, "\n")
	if len(lines) > diffMaxLines {
		lines = append(lines[:diffMaxLines], fmt.Sprintf("... (diff truncated at %d lines)", diffMaxLines))
	}
	return hydra.ToolOutput{Text: strings.Join(lines, "\n")}, nil
}

// isText reports whether data looks like a text file (no NUL in the first
// kilobyte).
func isText(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b == 0 {
			return false
		}
	}
	return true
}
