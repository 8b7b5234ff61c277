package validation

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// buildBundle assembles a ZIP bundle from a file map.
func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func manifestJSON(t *testing.T, m *manifest.Manifest) string {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:        "auth-service",
		Version:     "1.0.0",
		Description: "auth",
		Author:      "team",
		EntryPoint:  "AuthService",
	}
}

func TestExtractManifest(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		manifest.ManifestFileName: manifestJSON(t, testManifest()),
		"AuthService.js":          "module.exports = {};",
	})

	m, err := ExtractManifest(bundle)
	require.NoError(t, err)
	assert.Equal(t, "auth-service", m.Name)
}

func TestExtractManifest_Missing(t *testing.T) {
	bundle := buildBundle(t, map[string]string{"index.js": "x"})
	_, err := ExtractManifest(bundle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), manifest.ManifestFileName)
}

func TestStructureValidator_Validate(t *testing.T) {
	v := NewStructureValidator(nil)

	t.Run("valid bundle", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"AuthService.js":          "x",
		})
		verdict := v.Validate(bundle)
		assert.True(t, verdict.IsValid, "errors: %v", verdict.Errors)
	})

	t.Run("not a zip", func(t *testing.T) {
		verdict := v.Validate([]byte("not a zip"))
		assert.False(t, verdict.IsValid)
	})

	t.Run("missing manifest", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{"index.js": "x"})
		verdict := v.Validate(bundle)
		assert.False(t, verdict.IsValid)
	})

	t.Run("path traversal entry", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"../escape.js":            "x",
		})
		verdict := v.Validate(bundle)
		assert.False(t, verdict.IsValid)
	})

	t.Run("manifest only warns", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
		})
		verdict := v.Validate(bundle)
		assert.True(t, verdict.IsValid)
		assert.NotEmpty(t, verdict.Warnings)
	})
}

func TestSecurityScanner_Scan(t *testing.T) {
	s := NewSecurityScanner(DefaultScanLimits())

	t.Run("clean bundle passes", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"AuthService.js":          "const helper = require('./helper');",
		})
		verdict := s.Scan(bundle)
		assert.True(t, verdict.IsValid, "errors: %v", verdict.Errors)
	})

	t.Run("require of fs is rejected and names the module", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"AuthService.js":          "const fs = require('fs');",
		})
		verdict := s.Scan(bundle)
		require.False(t, verdict.IsValid)
		require.NotEmpty(t, verdict.Errors)
		assert.Contains(t, verdict.Errors[0], `"fs"`)
	})

	t.Run("node-prefixed import is rejected", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"AuthService.ts":          `import { exec } from "node:child_process";`,
		})
		verdict := s.Scan(bundle)
		assert.False(t, verdict.IsValid)
	})

	t.Run("non-source files are not scanned", func(t *testing.T) {
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"README.md":               "require('fs')",
		})
		verdict := s.Scan(bundle)
		assert.True(t, verdict.IsValid)
	})

	t.Run("iteration limit aborts", func(t *testing.T) {
		limited := NewSecurityScanner(ScanLimits{MaxIterations: 1})
		bundle := buildBundle(t, map[string]string{
			manifest.ManifestFileName: manifestJSON(t, testManifest()),
			"a.js":                    "x",
			"b.js":                    "x",
		})
		verdict := limited.Scan(bundle)
		require.False(t, verdict.IsValid)
		assert.Contains(t, verdict.Errors[0], "too complex")
	})
}

func TestBundleValidator_CachesVerdicts(t *testing.T) {
	cache := NewCache(10, 0)
	v := NewBundleValidator(cache, NewStructureValidator(nil), NewSecurityScanner(DefaultScanLimits()), nil)

	bundle := buildBundle(t, map[string]string{
		manifest.ManifestFileName: manifestJSON(t, testManifest()),
		"AuthService.js":          "const fs = require('fs');",
	})
	digest := values.ComputeChecksum(bundle).String()

	first := v.ValidateSecurity(digest, bundle)
	require.False(t, first.IsValid)
	misses := cache.Stats().Misses

	second := v.ValidateSecurity(digest, bundle)
	assert.False(t, second.IsValid)
	assert.Equal(t, misses, cache.Stats().Misses, "second scan must be served from cache")
	assert.Greater(t, cache.Stats().Hits, int64(0))
}

func TestBundleValidator_RecordFullSatisfiesAllStages(t *testing.T) {
	cache := NewCache(10, 0)
	v := NewBundleValidator(cache, NewStructureValidator(nil), NewSecurityScanner(DefaultScanLimits()), nil)

	v.RecordFull("digest", Valid("minor warning"))
	for _, kind := range []Kind{KindManifest, KindStructure, KindSecurity} {
		verdict, ok := cache.Get("digest", kind)
		require.True(t, ok)
		assert.True(t, verdict.IsValid)
	}
}
