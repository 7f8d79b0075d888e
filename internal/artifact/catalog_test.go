package artifact

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestScanDirFiltersArtifacts(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.gguf",
		"b.ONNX", // case-insensitive
		"c.safetensors",
		"notes.txt",
		".hidden.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("xx"), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "bert", "tokenizer"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bert", "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 artifacts, got %d: %+v", len(got), got)
	}
	byID := map[string]bool{}
	for _, a := range got {
		byID[a.ID] = true
		if !filepath.IsAbs(a.Path) {
			t.Fatalf("path not absolute: %s", a.Path)
		}
	}
	for _, want := range []string{"a.gguf", "b.ONNX", "c.safetensors", "bert"} {
		if !byID[want] {
			t.Fatalf("missing %s in %+v", want, got)
		}
	}
	for _, a := range got {
		if a.ID == "bert" && (!a.Directory || a.Format != "directory") {
			t.Fatalf("bert not reported as directory: %+v", a)
		}
		if a.ID == "a.gguf" && (a.SizeBytes != 2 || a.Format != "gguf") {
			t.Fatalf("unexpected file entry: %+v", a)
		}
	}
}

func TestScanDirExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "deployd-catalog-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	if err := os.WriteFile(filepath.Join(hTmp, "x.pt"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	got, err := ScanDir(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "x.pt" {
		t.Fatalf("unexpected artifacts: %+v", got)
	}
}

func TestScanDirMissing(t *testing.T) {
	if _, err := ScanDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
