// Package doc reads documents the model cannot open itself: PDF text
// extraction plus image passthrough for vision analysis and OCR.
package doc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/pawelserkowski-lang/hydra"
)

const (
	pdfTextCap   = 40_000          // chars of extracted text returned per call
	imageMaxSize = 8 * 1024 * 1024 // raw bytes before base64 expansion
)

// mimeTypes maps supported image extensions to their MIME types.
var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Tool implements read_pdf, analyze_image, and ocr_document. Images are not
// processed locally: they are inlined into the conversation so the model
// performs the vision or OCR step itself.
type Tool struct {
	root string
}

// New creates a doc tool rooted at the workspace directory.
func New(root string) *Tool {
	return &Tool{root: filepath.Clean(root)}
}

func (t *Tool) Definitions() []hydra.ToolDefinition {
	return []hydra.ToolDefinition{
		{
			Name:        "read_pdf",
			Description: "Extract plain text from a PDF file in the workspace, page by page.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"PDF path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "analyze_image",
			Description: "Load an image from the workspace for visual analysis. The image content becomes part of the conversation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Image path relative to workspace (png, jpg, gif, webp)"}},"required":["path"]}`),
		},
		{
			Name:        "ocr_document",
			Description: "Load a scanned document image from the workspace for text recognition. The image content becomes part of the conversation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Image path relative to workspace (png, jpg, gif, webp)"}},"required":["path"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (hydra.ToolOutput, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid args: %w", err)
	}
	if params.Path == "" {
		return hydra.ToolOutput{}, fmt.Errorf("path is required")
	}

	switch name {
	case "read_pdf":
		return t.readPDF(params.Path)
	case "analyze_image":
		return t.loadImage(params.Path, "Analyze the attached image")
	case "ocr_document":
		return t.loadImage(params.Path, "Recognize all text in the attached document image")
	default:
		return hydra.ToolOutput{}, fmt.Errorf("unknown doc tool: %s", name)
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

// readPDF extracts plain text page by page. Unreadable pages are skipped
// rather than failing the whole document.
func (t *Tool) readPDF(path string) (hydra.ToolOutput, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(content) == 0 {
		return hydra.ToolOutput{}, fmt.Errorf("empty PDF: %s", path)
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("open pdf %s: %w", path, err)
	}

	var text strings.Builder
	pages := 0
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		fmt.Fprintf(&text, "--- page %d ---\n%s", i, pageText)
		pages++
		if text.Len() > pdfTextCap {
			break
		}
	}

	if pages == 0 {
		return hydra.ToolOutput{}, fmt.Errorf("no extractable text in %s (scanned document? use ocr_document on page images)", path)
	}
	out := text.String()
	if len(out) > pdfTextCap {
		out = out[:pdfTextCap] + "\n... (truncated)"
	}
	return hydra.ToolOutput{Text: fmt.Sprintf("%s (%d page(s) with text)\n\n%s", path, pages, out)}, nil
}

// loadImage reads an image and returns it as inline data. The text part
// tells the model what to do with the attachment.
func (t *Tool) loadImage(path, instruction string) (hydra.ToolOutput, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	mime, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return hydra.ToolOutput{}, fmt.Errorf("unsupported image type: %s", filepath.Ext(path))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > imageMaxSize {
		return hydra.ToolOutput{}, fmt.Errorf("image too large: %d bytes (limit %d)", info.Size(), imageMaxSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("read %s: %w", path, err)
	}
	return hydra.ToolOutput{
		Text: fmt.Sprintf("%s: %s (%s, %d bytes)", instruction, path, mime, len(data)),
		InlineData: &hydra.InlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}
