package validation

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// maxDecompressedFileSize bounds how much of any single archived file is
// read during validation, guarding against decompression bombs.
const maxDecompressedFileSize = 10 << 20

// StructureChecker is a pluggable hook over the archive file listing.
// Implementations may enforce layout conventions beyond the baseline.
type StructureChecker interface {
	CheckStructure(files []string) *Verdict
}

// StructureCheckerFunc adapts a function to the StructureChecker interface.
type StructureCheckerFunc func(files []string) *Verdict

// CheckStructure calls the wrapped function.
func (f StructureCheckerFunc) CheckStructure(files []string) *Verdict {
	return f(files)
}

// OpenBundle opens bundle bytes as a ZIP archive.
func OpenBundle(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("bundle is not a valid ZIP archive: %w", err)
	}
	return reader, nil
}

// ExtractManifest locates and parses plugin.manifest.json at the bundle root.
func ExtractManifest(data []byte) (*manifest.Manifest, error) {
	reader, err := OpenBundle(data)
	if err != nil {
		return nil, err
	}
	for _, f := range reader.File {
		if f.Name != manifest.ManifestFileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", manifest.ManifestFileName, err)
		}
		defer rc.Close()

		raw, err := io.ReadAll(io.LimitReader(rc, maxDecompressedFileSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", manifest.ManifestFileName, err)
		}
		return manifest.Parse(raw)
	}
	return nil, fmt.Errorf("%s not found at bundle root", manifest.ManifestFileName)
}

// StructureValidator checks the archive layout of a bundle.
type StructureValidator struct {
	checker StructureChecker
}

// NewStructureValidator creates a structure validator with an optional
// pluggable checker; nil keeps the baseline checks only.
func NewStructureValidator(checker StructureChecker) *StructureValidator {
	return &StructureValidator{checker: checker}
}

// Validate opens the bundle, requires the manifest file, enumerates entries,
// and forwards the listing to the pluggable checker.
func (v *StructureValidator) Validate(data []byte) *Verdict {
	reader, err := OpenBundle(data)
	if err != nil {
		return Invalid(err.Error())
	}

	var files []string
	manifestFound := false
	var warnings []string

	for _, f := range reader.File {
		name := f.Name
		if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
			return Invalid(fmt.Sprintf("archive entry %q escapes the bundle root", name))
		}
		if name == manifest.ManifestFileName {
			manifestFound = true
		}
		if f.UncompressedSize64 > maxDecompressedFileSize {
			warnings = append(warnings, fmt.Sprintf("file %s exceeds the per-file inspection limit", name))
		}
		files = append(files, name)
	}

	if !manifestFound {
		return Invalid(fmt.Sprintf("%s not found at bundle root", manifest.ManifestFileName))
	}
	if len(files) == 1 {
		warnings = append(warnings, "bundle contains no files besides the manifest")
	}

	result := &Verdict{IsValid: true, Warnings: warnings}
	if v.checker != nil {
		result = Merge(result, v.checker.CheckStructure(files))
	}
	return result
}

// readArchiveFile reads one archive entry up to the inspection limit.
func readArchiveFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxDecompressedFileSize))
}
