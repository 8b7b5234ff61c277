// Package optimize shrinks plugin bundles before storage: tree-shaking
// against discovered entry points, comment/whitespace minification,
// metadata stripping, and archive recompression.
package optimize

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// Algorithm selects the recompression codec used for the savings probe.
type Algorithm string

const (
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmBrotli  Algorithm = "brotli"
	AlgorithmDeflate Algorithm = "deflate"
)

// Config tunes the optimization pipeline.
type Config struct {
	CompressionLevel int       // 1..9; >= 8 enables aggressive minification
	Algorithm        Algorithm // codec for the recompression probe
	StripArtifacts   bool      // drop tests, source maps, docs
}

// DefaultConfig returns the standard optimizer settings.
func DefaultConfig() Config {
	return Config{
		CompressionLevel: 6,
		Algorithm:        AlgorithmGzip,
		StripArtifacts:   true,
	}
}

// Result describes one optimization run.
type Result struct {
	Data           []byte   `json:"-"`
	OriginalSize   int64    `json:"originalSize"`
	OptimizedSize  int64    `json:"optimizedSize"`
	SavingsPercent float64  `json:"savingsPercent"`
	EntryPoints    []string `json:"entryPoints"`
	RemovedFiles   []string `json:"removedFiles,omitempty"`
	ProbeSize      int64    `json:"probeSize,omitempty"`
}

// alwaysEssential files survive tree-shaking regardless of reachability.
var alwaysEssential = map[string]bool{
	manifest.ManifestFileName: true,
	"package.json":            true,
}

// Optimizer rewrites bundles as smaller, equivalent archives.
type Optimizer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an optimizer.
func New(cfg Config, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompressionLevel < 1 || cfg.CompressionLevel > 9 {
		cfg.CompressionLevel = DefaultConfig().CompressionLevel
	}
	return &Optimizer{cfg: cfg, logger: logger}
}

// Optimize runs the full pipeline over the bundle bytes. The output is a
// rebuilt ZIP archive; the bundle format invariant holds for the stored
// artifact, and the probe reports the additional transport-codec savings.
func (o *Optimizer) Optimize(data []byte) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("bundle is not a valid ZIP archive: %w", err)
	}

	files := make(map[string][]byte, len(reader.File))
	for _, f := range reader.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}

	entryPoints := discoverEntryPoints(files)
	reachable := treeShake(files, entryPoints)

	var removed []string
	kept := make(map[string][]byte, len(reachable))
	for name, content := range files {
		if !reachable[name] {
			removed = append(removed, name)
			continue
		}
		if o.cfg.StripArtifacts && isStrippable(name) {
			removed = append(removed, name)
			continue
		}
		kept[name] = content
	}

	aggressive := o.cfg.CompressionLevel >= 8
	for name, content := range kept {
		if strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".ts") {
			kept[name] = Minify(content, aggressive)
		}
	}

	optimized, err := o.rebuildArchive(kept)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Data:          optimized,
		OriginalSize:  int64(len(data)),
		OptimizedSize: int64(len(optimized)),
		EntryPoints:   entryPoints,
		RemovedFiles:  removed,
	}
	if result.OriginalSize > 0 {
		result.SavingsPercent = 100 * float64(result.OriginalSize-result.OptimizedSize) / float64(result.OriginalSize)
	}

	if probe, err := compressProbe(optimized, o.cfg.Algorithm, o.cfg.CompressionLevel); err == nil {
		result.ProbeSize = int64(probe)
	} else {
		o.logger.Debug("recompression probe failed", "algorithm", o.cfg.Algorithm, "error", err)
	}

	o.logger.Debug("bundle optimized",
		"originalSize", result.OriginalSize,
		"optimizedSize", result.OptimizedSize,
		"savingsPercent", result.SavingsPercent,
		"removedFiles", len(removed))
	return result, nil
}

// rebuildArchive writes the kept files into a fresh deflate-compressed ZIP.
func (o *Optimizer) rebuildArchive(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, o.cfg.CompressionLevel)
	})

	for _, name := range sortedKeys(files) {
		entry, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive entry %s: %w", name, err)
		}
		if _, err := entry.Write(files[name]); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// discoverEntryPoints finds the module roots for reachability analysis:
// conventional entry files first, then package.json main, else every .js.
func discoverEntryPoints(files map[string][]byte) []string {
	var entries []string
	for _, candidate := range []string{"index.js", "main.js", "app.js"} {
		if _, ok := files[candidate]; ok {
			entries = append(entries, candidate)
		}
	}

	if pkg, ok := files["package.json"]; ok {
		var doc struct {
			Main string `json:"main"`
		}
		if err := json.Unmarshal(pkg, &doc); err == nil && doc.Main != "" {
			main := strings.TrimPrefix(doc.Main, "./")
			if _, ok := files[main]; ok && !contains(entries, main) {
				entries = append(entries, main)
			}
		}
	}

	if len(entries) == 0 {
		for name := range files {
			if strings.HasSuffix(name, ".js") {
				entries = append(entries, name)
			}
		}
	}
	return entries
}

// isStrippable marks files safe to drop from a production bundle.
func isStrippable(name string) bool {
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}
	lower := strings.ToLower(base)

	switch {
	case strings.HasSuffix(lower, ".test.js"), strings.HasSuffix(lower, ".test.ts"),
		strings.HasSuffix(lower, ".spec.js"), strings.HasSuffix(lower, ".spec.ts"),
		strings.HasSuffix(lower, ".map"):
		return true
	}
	for _, doc := range []string{"readme", "license", "changelog"} {
		if lower == doc || strings.HasPrefix(lower, doc+".") {
			return true
		}
	}
	return strings.Contains(name, "__tests__/") || strings.HasPrefix(name, "test/") || strings.Contains(name, "/test/")
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
