package hydra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractPaths(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		want   []string
	}{
		{"backticks", "look at `internal/engine.go` please", []string{"internal/engine.go"}},
		{"double quotes", `open "config/settings.toml" now`, []string{"config/settings.toml"}},
		{"bare unix path", "check src/main.rs for errors", []string{"src/main.rs"}},
		{"relative dot path", "read ./docs/guide.md carefully", []string{"./docs/guide.md"}},
		{"windows path", `inspect C:\proj\main.cs today`, []string{`C:\proj\main.cs`}},
		{"bare filename with extension", "what does `Makefile.test` do", []string{"Makefile.test"}},
		{"url rejected", "fetch https://example.com/docs and summarize", nil},
		{"wildcard rejected", "delete `*.log` files", nil},
		{"plain prose", "explain how goroutines work", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ExtractPaths(c.prompt)
			if len(got) != len(c.want) {
				t.Fatalf("ExtractPaths(%q) = %v, want %v", c.prompt, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Errorf("path %d = %q, want %q", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestExtractPathsDeduplicates(t *testing.T) {
	got := ExtractPaths("compare `pkg/a.go` with \"pkg/a.go\" and pkg/a.go")
	if len(got) != 1 || got[0] != "pkg/a.go" {
		t.Errorf("got %v", got)
	}
}

func TestPathPriority(t *testing.T) {
	cases := []struct {
		path string
		want int
	}{
		{"go.mod", 0},
		{"sub/package.json", 0},
		{"Dockerfile", 0},
		{"main.go", 1},
		{"lib/util.py", 1},
		{"README.md", 2},
		{"notes.txt", 2},
	}
	for _, c := range cases {
		if got := pathPriority(c.path); got != c.want {
			t.Errorf("pathPriority(%q) = %d, want %d", c.path, got, c.want)
		}
	}
}

func TestBuildFileContextOrdersAndAnnotates(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"README.md": "# Project\n",
		"main.go":   "package main\n",
		"go.mod":    "module example.test\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fc := BuildFileContext("compare `README.md` with `main.go` and `go.mod`", dir)
	if len(fc.FilesLoaded) != 3 {
		t.Fatalf("loaded = %v", fc.FilesLoaded)
	}
	// Manifest first, source second, docs last.
	if !strings.HasSuffix(fc.FilesLoaded[0], "go.mod") ||
		!strings.HasSuffix(fc.FilesLoaded[1], "main.go") ||
		!strings.HasSuffix(fc.FilesLoaded[2], "README.md") {
		t.Errorf("priority order lost: %v", fc.FilesLoaded)
	}
	if !strings.HasPrefix(fc.Markdown, "## Attached file context") {
		t.Errorf("markdown header missing: %q", fc.Markdown[:40])
	}
	if !strings.Contains(fc.Markdown, "```go\npackage main\n```") {
		t.Errorf("language fence missing:\n%s", fc.Markdown)
	}
	if fc.SawDir {
		t.Error("no directory was referenced")
	}
}

func TestBuildFileContextExpandsDirectory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.test\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "ignored.xyz"), []byte("x"), 0o644)

	fc := BuildFileContext("describe the project in `"+dir+"`", "")
	if !fc.SawDir {
		t.Fatal("SawDir = false")
	}
	if len(fc.FilesLoaded) != 2 {
		t.Errorf("loaded = %v, want the project-root manifest set only", fc.FilesLoaded)
	}
}

func TestBuildFileContextSkipsMissing(t *testing.T) {
	fc := BuildFileContext("open `does/not/exist.go`", t.TempDir())
	if fc.Markdown != "" || len(fc.FilesLoaded) != 0 || fc.SawDir {
		t.Errorf("fc = %+v", fc)
	}
}

func TestBuildFileContextCapsFileSize(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("a", 150*1024)
	os.WriteFile(filepath.Join(dir, "big.log"), []byte(big), 0o644)

	fc := BuildFileContext("inspect `big.log` for me", dir)
	if len(fc.FilesLoaded) != 1 {
		t.Fatalf("loaded = %v", fc.FilesLoaded)
	}
	if len(fc.Markdown) > 110*1024 {
		t.Errorf("per-file cap not applied: %d bytes", len(fc.Markdown))
	}
}

func TestBuildFileContextCapsFileCount(t *testing.T) {
	dir := t.TempDir()
	var refs []string
	for i := 0; i < 12; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i))+".go")
		os.WriteFile(name, []byte("package x\n"), 0o644)
		refs = append(refs, "`"+name+"`")
	}

	fc := BuildFileContext("read "+strings.Join(refs, " and "), "")
	if len(fc.FilesLoaded) != maxContextFiles {
		t.Errorf("loaded = %d, want %d", len(fc.FilesLoaded), maxContextFiles)
	}
}

func TestLooksLikePath(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"src/main.go", true},
		{"main.go", true},
		{`C:\dir\file`, true},
		{"https://example.com/x", false},
		{"*.log", false},
		{"plain words", false},
	}
	for _, c := range cases {
		if got := looksLikePath(c.in); got != c.want {
			t.Errorf("looksLikePath(%q) = %v", c.in, got)
		}
	}
}
