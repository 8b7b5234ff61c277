// Package host implements the plugin host: filesystem discovery, the load
// orchestrator over the state machine, resolver, strategies, and resource
// tracker, and snapshot-protected reload.
package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// DiscoveryErrorKind classifies why a plugin directory could not be
// discovered.
type DiscoveryErrorKind string

const (
	DiscoveryManifestNotFound        DiscoveryErrorKind = "MANIFEST_NOT_FOUND"
	DiscoveryManifestParseError      DiscoveryErrorKind = "MANIFEST_PARSE_ERROR"
	DiscoveryManifestValidationError DiscoveryErrorKind = "MANIFEST_VALIDATION_ERROR"
	DiscoveryFileAccessError         DiscoveryErrorKind = "FILE_ACCESS_ERROR"
	DiscoveryUnknown                 DiscoveryErrorKind = "UNKNOWN"
)

// DiscoveryError is one failed discovery attempt.
type DiscoveryError struct {
	Dir  string             `json:"dir"`
	Kind DiscoveryErrorKind `json:"kind"`
	Err  string             `json:"error"`
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("discovery of %s failed (%s): %s", e.Dir, e.Kind, e.Err)
}

// DiscoveredPlugin is one plugin found on disk.
type DiscoveredPlugin struct {
	Dir      string
	Manifest *manifest.Manifest
}

// Discover scans the plugins directory. Every subdirectory must contain a
// plugin.manifest.json; directories that do not yield a valid manifest are
// reported as classified discovery errors, not fatal failures.
func Discover(pluginsDir string) ([]*DiscoveredPlugin, []DiscoveryError, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read plugins directory %s: %w", pluginsDir, err)
	}

	var discovered []*DiscoveredPlugin
	var failures []DiscoveryError
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pluginsDir, entry.Name())
		plugin, derr := discoverOne(dir)
		if derr != nil {
			failures = append(failures, *derr)
			continue
		}
		discovered = append(discovered, plugin)
	}
	return discovered, failures, nil
}

func discoverOne(dir string) (*DiscoveredPlugin, *DiscoveryError) {
	manifestPath := filepath.Join(dir, manifest.ManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		kind := DiscoveryFileAccessError
		if errors.Is(err, fs.ErrNotExist) {
			kind = DiscoveryManifestNotFound
		}
		return nil, &DiscoveryError{Dir: dir, Kind: kind, Err: err.Error()}
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, &DiscoveryError{Dir: dir, Kind: DiscoveryManifestParseError, Err: err.Error()}
	}

	if res := m.Validate(); !res.IsValid() {
		return nil, &DiscoveryError{
			Dir:  dir,
			Kind: DiscoveryManifestValidationError,
			Err:  fmt.Sprintf("manifest invalid: %v", res.Errors),
		}
	}
	return &DiscoveredPlugin{Dir: dir, Manifest: m}, nil
}
