// Package code provides source-structure inspection: a symbol outline of a
// file without its bodies.
package code

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pawelserkowski-lang/hydra"
)

const maxSymbols = 300

// Tool implements get_code_structure. Go files go through go/parser; other
// languages get a declaration-pattern line scan.
type Tool struct {
	root string
}

// New creates a code tool rooted at root.
func New(root string) *Tool {
	return &Tool{root: filepath.Clean(root)}
}

func (t *Tool) Definitions() []hydra.ToolDefinition {
	return []hydra.ToolDefinition{{
		Name:        "get_code_structure",
		Description: "Outline the symbols of a source file (types, functions, methods, classes) with line numbers, without bodies.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Source file path relative to workspace"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (hydra.ToolOutput, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid args: %w", err)
	}
	if params.Path == "" {
		return hydra.ToolOutput{}, fmt.Errorf("path is required")
	}
	if filepath.IsAbs(params.Path) {
		return hydra.ToolOutput{}, fmt.Errorf("absolute paths not allowed: %s", params.Path)
	}
	resolved := filepath.Join(t.root, params.Path)
	if !strings.HasPrefix(resolved, t.root+string(filepath.Separator)) {
		return hydra.ToolOutput{}, fmt.Errorf("path escapes workspace: %s", params.Path)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read error: %w", err)
	}

	var symbols []string
	if strings.EqualFold(filepath.Ext(resolved), ".go") {
		symbols, err = goSymbols(resolved, data)
		if err != nil {
			// Broken Go source still gets the generic scan.
			symbols = scanSymbols(string(data))
		}
	} else {
		symbols = scanSymbols(string(data))
	}

	if len(symbols) == 0 {
		return hydra.ToolOutput{Text: "no symbols found"}, nil
	}
	if len(symbols) > maxSymbols {
		symbols = append(symbols[:maxSymbols], fmt.Sprintf("... (%d more)", len(symbols)-maxSymbols))
	}
	return hydra.ToolOutput{Text: strings.Join(symbols, "\n")}, nil
}

// goSymbols walks the AST and lists package, imports count, types, funcs,
// and methods with their line numbers.
func goSymbols(path string, src []byte) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	symbols := []string{fmt.Sprintf("package %s", f.Name.Name)}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				line := fset.Position(spec.Pos()).Line
				switch s := spec.(type) {
				case *ast.TypeSpec:
					kind := "type"
					switch s.Type.(type) {
					case *ast.StructType:
						kind = "struct"
					case *ast.InterfaceType:
						kind = "interface"
					}
					symbols = append(symbols, fmt.Sprintf("%d: %s %s", line, kind, s.Name.Name))
				case *ast.ValueSpec:
					if d.Tok != token.CONST && d.Tok != token.VAR {
						continue
					}
					for _, name := range s.Names {
						if name.Name == "_" {
							continue
						}
						symbols = append(symbols, fmt.Sprintf("%d: %s %s", line, strings.ToLower(d.Tok.String()), name.Name))
					}
				}
			}
		case *ast.FuncDecl:
			line := fset.Position(d.Pos()).Line
			if d.Recv != nil && len(d.Recv.List) > 0 {
				symbols = append(symbols, fmt.Sprintf("%d: method (%s) %s", line, recvType(d.Recv.List[0].Type), d.Name.Name))
			} else {
				symbols = append(symbols, fmt.Sprintf("%d: func %s", line, d.Name.Name))
			}
		}
	}
	return symbols, nil
}

func recvType(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return "*" + recvType(e.X)
	case *ast.Ident:
		return e.Name
	case *ast.IndexExpr:
		return recvType(e.X)
	default:
		return "?"
	}
}

// declPatterns cover the common declaration forms of mainstream languages
// for the generic line scan.
var declPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)`),             // js/ts
	regexp.MustCompile(`^\s*(?:export\s+)?class\s+(\w+)`),                             // js/ts/python-ish
	regexp.MustCompile(`^\s*def\s+(\w+)`),                                             // python
	regexp.MustCompile(`^\s*(?:pub\s+)?fn\s+(\w+)`),                                   // rust
	regexp.MustCompile(`^\s*(?:pub\s+)?(?:struct|enum|trait|impl)\s+(\w+)`),           // rust
	regexp.MustCompile(`^\s*(?:public|private|protected)\s+[\w<>\[\]]+\s+(\w+)\s*\(`), // java/c#
	regexp.MustCompile(`^\s*interface\s+(\w+)`),
}

// scanSymbols is the language-agnostic fallback: one pass over the lines
// against the declaration patterns.
func scanSymbols(src string) []string {
	var symbols []string
	for i, line := range strings.Split(src, "\n") {
		for _, re := range declPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				symbols = append(symbols, fmt.Sprintf("%d: %s", i+1, strings.TrimSpace(line)))
				break
			}
		}
	}
	return symbols
}
