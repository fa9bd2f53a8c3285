package doc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Smallest valid PNG: 1x1 transparent pixel.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestAnalyzeImageReturnsInlineData(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shot.png"), tinyPNG, 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)
	out, err := tool.Execute(context.Background(), "analyze_image", json.RawMessage(`{"path":"shot.png"}`))
	if err != nil {
		t.Fatalf("analyze_image: %v", err)
	}
	if out.InlineData == nil {
		t.Fatal("no inline data returned")
	}
	if out.InlineData.MimeType != "image/png" {
		t.Errorf("mime = %s, want image/png", out.InlineData.MimeType)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.InlineData.Data)
	if err != nil {
		t.Fatalf("data not valid base64: %v", err)
	}
	if len(decoded) != len(tinyPNG) {
		t.Errorf("decoded %d bytes, want %d", len(decoded), len(tinyPNG))
	}
	if !strings.Contains(out.Text, "shot.png") {
		t.Errorf("text %q does not name the file", out.Text)
	}
}

func TestOCRUsesRecognitionInstruction(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scan.jpg"), []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)
	out, err := tool.Execute(context.Background(), "ocr_document", json.RawMessage(`{"path":"scan.jpg"}`))
	if err != nil {
		t.Fatalf("ocr_document: %v", err)
	}
	if out.InlineData == nil || out.InlineData.MimeType != "image/jpeg" {
		t.Fatalf("inline data = %+v, want image/jpeg", out.InlineData)
	}
	if !strings.Contains(strings.ToLower(out.Text), "recognize") {
		t.Errorf("text %q lacks recognition instruction", out.Text)
	}
}

func TestRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)
	if _, err := tool.Execute(context.Background(), "analyze_image", json.RawMessage(`{"path":"notes.txt"}`)); err == nil {
		t.Error("txt accepted as image")
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	tool := New(t.TempDir())
	for _, path := range []string{"/etc/passwd", "../outside.png"} {
		args, _ := json.Marshal(map[string]string{"path": path})
		if _, err := tool.Execute(context.Background(), "read_pdf", args); err == nil {
			t.Errorf("path %q accepted", path)
		}
	}
}

func TestReadPDFRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fake.pdf"), []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)
	if _, err := tool.Execute(context.Background(), "read_pdf", json.RawMessage(`{"path":"fake.pdf"}`)); err == nil {
		t.Error("garbage accepted as pdf")
	}
}
