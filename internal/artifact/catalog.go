package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"deployd/internal/common/fsutil"
	"deployd/pkg/types"
)

// weightExtensions are file suffixes recognised as standalone model artifacts.
var weightExtensions = []string{".gguf", ".safetensors", ".bin", ".pt", ".pth", ".onnx"}

// ScanDir lists deployable artifacts directly under dir: weight files with a
// known extension and model directories containing a config.json.
// ID is the entry name; Path is absolute.
func ScanDir(dir string) ([]types.Artifact, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []types.Artifact
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(abs, name)
		if e.IsDir() {
			if !fsutil.PathExists(filepath.Join(p, "config.json")) {
				continue
			}
			out = append(out, types.Artifact{ID: name, Name: name, Path: p, Format: "directory", Directory: true, Source: "file://" + p})
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !knownExtension(ext) {
			continue
		}
		a := types.Artifact{ID: name, Name: strings.TrimSuffix(name, filepath.Ext(name)), Path: p, Format: strings.TrimPrefix(ext, "."), Source: "file://" + p}
		if fi, err := e.Info(); err == nil {
			a.SizeBytes = fi.Size()
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func knownExtension(ext string) bool {
	for _, w := range weightExtensions {
		if ext == w {
			return true
		}
	}
	return false
}
