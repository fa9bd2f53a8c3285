package hydra

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// File-context budgets.
const (
	maxContextFiles     = 10
	maxFileBytes        = 100 * 1024
	maxTotalContextSize = 500 * 1024
)

// projectRootFiles is the fixed list read when the prompt references a
// directory rather than individual files.
var projectRootFiles = []string{
	"package.json", "Cargo.toml", "go.mod", "pyproject.toml", "pom.xml",
	"README.md", "Makefile", "Dockerfile",
}

var pathPatterns = []*regexp.Regexp{
	regexp.MustCompile("`([^`\\n]+)`"),
	regexp.MustCompile(`"([^"\n]+)"`),
	regexp.MustCompile(`'([^'\n]+)'`),
	// Windows: C:\dir\file or C:/dir/file
	regexp.MustCompile(`\b([A-Za-z]:[\\/][^\s"'` + "`" + `]+)`),
	// Unix: absolute or relative with at least one separator
	regexp.MustCompile(`(?:^|\s)((?:\.{0,2}/)?[\w.\-]+(?:/[\w.\-]+)+)`),
}

// manifest names load first; docs load last. Everything else is source.
var manifestNames = map[string]bool{
	"package.json": true, "cargo.toml": true, "go.mod": true, "go.sum": true,
	"pyproject.toml": true, "pom.xml": true, "build.gradle": true,
	"makefile": true, "dockerfile": true, "docker-compose.yml": true,
}

var docExtensions = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
}

var languageByExt = map[string]string{
	".go": "go", ".rs": "rust", ".py": "python", ".js": "javascript",
	".ts": "typescript", ".tsx": "tsx", ".jsx": "jsx", ".java": "java",
	".c": "c", ".h": "c", ".cpp": "cpp", ".cs": "csharp", ".rb": "ruby",
	".sh": "bash", ".sql": "sql", ".json": "json", ".yaml": "yaml",
	".yml": "yaml", ".toml": "toml", ".html": "html", ".css": "css",
	".md": "markdown",
}

// pathPriority orders candidate files: manifests first, then source, docs
// last. Lower sorts earlier.
func pathPriority(path string) int {
	base := strings.ToLower(filepath.Base(path))
	if manifestNames[base] {
		return 0
	}
	if docExtensions[filepath.Ext(base)] {
		return 2
	}
	return 1
}

// ExtractPaths pulls file and directory path candidates from a prompt.
// Quoted, Windows, and Unix forms are recognized; duplicates collapse in
// first-seen order.
func ExtractPaths(prompt string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range pathPatterns {
		for _, m := range re.FindAllStringSubmatch(prompt, -1) {
			cand := strings.TrimSpace(m[1])
			if cand == "" || seen[cand] {
				continue
			}
			if !looksLikePath(cand) {
				continue
			}
			seen[cand] = true
			out = append(out, cand)
		}
	}
	return out
}

func looksLikePath(s string) bool {
	if strings.ContainsAny(s, "\n*?<>|") {
		return false
	}
	if strings.Contains(s, "://") {
		return false
	}
	return strings.ContainsAny(s, "/\\") || strings.Contains(s, ".")
}

// FileContext is the assembled markdown block plus bookkeeping for the UI.
type FileContext struct {
	Markdown    string
	FilesLoaded []string
	SawDir      bool
}

// BuildFileContext resolves prompt path candidates against workingDir, sorts
// them by the fixed priority table, and reads up to maxContextFiles within
// the per-file and total byte caps. Directory candidates expand to the fixed
// project-root file list. Unreadable candidates are skipped silently.
func BuildFileContext(prompt, workingDir string) FileContext {
	candidates := ExtractPaths(prompt)
	if len(candidates) == 0 {
		return FileContext{}
	}

	var files []string
	var sawDir bool
	for _, cand := range candidates {
		resolved := cand
		if !filepath.IsAbs(resolved) && workingDir != "" {
			resolved = filepath.Join(workingDir, resolved)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			continue
		}
		if info.IsDir() {
			sawDir = true
			for _, name := range projectRootFiles {
				p := filepath.Join(resolved, name)
				if st, err := os.Stat(p); err == nil && !st.IsDir() {
					files = append(files, p)
				}
			}
			continue
		}
		files = append(files, resolved)
	}
	if len(files) == 0 {
		return FileContext{SawDir: sawDir}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return pathPriority(files[i]) < pathPriority(files[j])
	})

	var b strings.Builder
	var loaded []string
	total := 0
	for _, path := range files {
		if len(loaded) >= maxContextFiles || total >= maxTotalContextSize {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxFileBytes {
			data = data[:maxFileBytes]
		}
		if total+len(data) > maxTotalContextSize {
			data = data[:maxTotalContextSize-total]
		}
		total += len(data)
		loaded = append(loaded, path)

		lang := languageByExt[strings.ToLower(filepath.Ext(path))]
		fmt.Fprintf(&b, "### %s\n```%s\n%s\n```\n\n", path, lang, strings.TrimRight(string(data), "\n"))
	}
	if len(loaded) == 0 {
		return FileContext{SawDir: sawDir}
	}
	return FileContext{
		Markdown:    "## Attached file context\n\n" + b.String(),
		FilesLoaded: loaded,
		SawDir:      sawDir,
	}
}
