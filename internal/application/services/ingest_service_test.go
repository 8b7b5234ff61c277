package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/blob"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/memory"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/signature"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/validation"
)

type ingestHarness struct {
	svc      *IngestService
	plugins  *memory.PluginRepository
	versions *memory.VersionRepository
	trust    *memory.TrustStore
	blobs    *blob.Store
	bus      *events.Bus
}

func newIngestHarness(t *testing.T, cfg IngestConfig) *ingestHarness {
	t.Helper()

	plugins := memory.NewPluginRepository()
	versions := memory.NewVersionRepository(plugins)
	trustStore := memory.NewTrustStore()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	blobs, err := blob.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	validator := validation.NewBundleValidator(
		validation.NewCache(64, time.Minute),
		validation.NewStructureValidator(nil),
		validation.NewSecurityScanner(validation.DefaultScanLimits()),
		nil)
	verifier := signature.NewVerifier(signature.NewKeyRegistry(), signature.Policy{AllowUnsigned: true}, nil)

	trustSvc := NewTrustService(trustStore, nil, bus, nil)
	lifecycle := NewLifecycleService(versions, bus, nil)
	svc := NewIngestService(cfg, validator, verifier, nil, blobs, plugins, lifecycle, trustSvc, bus, nil)

	return &ingestHarness{
		svc:      svc,
		plugins:  plugins,
		versions: versions,
		trust:    trustStore,
		blobs:    blobs,
		bus:      bus,
	}
}

func ingestBundle(t *testing.T, m *manifest.Manifest, extra map[string]string) []byte {
	t.Helper()
	doc, err := json.Marshal(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(manifest.ManifestFileName)
	require.NoError(t, err)
	_, err = f.Write(doc)
	require.NoError(t, err)

	files := extra
	if files == nil {
		files = map[string]string{m.EntryPoint + ".js": "module.exports = {};"}
	}
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func ingestManifest(name, version string) *manifest.Manifest {
	return &manifest.Manifest{
		Name:        name,
		Version:     version,
		Description: "test plugin",
		Author:      "team",
		EntryPoint:  "Service",
	}
}

func TestIngestService_Upload(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	sub := h.bus.Subscribe(events.KindPluginStored)
	defer sub.Close()

	bundle := ingestBundle(t, ingestManifest("auth-service", "1.0.0"), nil)
	result, err := h.svc.Upload(ctx, bundle, UploadOptions{MakeActive: true})
	require.NoError(t, err)

	assert.Equal(t, "auth-service", result.Record.Name)
	assert.Equal(t, "1.0.0", result.Record.Version)
	assert.True(t, result.Version.IsActive)
	assert.True(t, result.TrustLevel.Equals(values.TrustUntrusted))
	assert.Contains(t, result.Warnings, "bundle is unsigned")

	// Stored bytes match the uploaded bundle.
	stored, err := h.blobs.ReadAll(ctx, "auth-service", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, bundle, stored)

	// The signature outcome seeded the trust assignment.
	active, err := h.trust.ActiveAssignment(ctx, "auth-service", "1.0.0")
	require.NoError(t, err)
	assert.True(t, active.Level.Equals(values.TrustUntrusted))
	require.Len(t, active.Evidence, 1)
	assert.Equal(t, trust.EvidenceSignature, active.Evidence[0].Type)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "auth-service", ev.PluginName)
		assert.Equal(t, "1.0.0", ev.Data["version"])
	case <-time.After(time.Second):
		t.Fatal("stored event not published")
	}
}

func TestIngestService_Upload_WithoutActivation(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	result, err := h.svc.Upload(ctx, ingestBundle(t, ingestManifest("auth", "1.0.0"), nil), UploadOptions{})
	require.NoError(t, err)
	assert.False(t, result.Version.IsActive)

	_, err = h.versions.GetActive(ctx, "auth")
	assert.Error(t, err)
}

func TestIngestService_Upload_SizeGate(t *testing.T) {
	h := newIngestHarness(t, IngestConfig{MaxFileSize: 64})

	big := make([]byte, 128)
	_, err := h.svc.Upload(context.Background(), big, UploadOptions{})

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "PLUGIN_UPLOAD_FAILED", verr.Code())
}

func TestIngestService_Upload_SecurityScanRejects(t *testing.T) {
	h := newIngestHarness(t, IngestConfig{})

	bundle := ingestBundle(t, ingestManifest("evil", "1.0.0"), map[string]string{
		"Service.js": "const cp = require('child_process');",
	})
	_, err := h.svc.Upload(context.Background(), bundle, UploadOptions{})

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "security")
}

func TestIngestService_Upload_DuplicateVersion(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	_, err := h.svc.Upload(ctx, ingestBundle(t, ingestManifest("auth", "1.0.0"), nil), UploadOptions{MakeActive: true})
	require.NoError(t, err)

	// Same name and version, different payload.
	dup := ingestBundle(t, ingestManifest("auth", "1.0.0"), map[string]string{
		"Service.js": "module.exports = { changed: true };",
	})
	_, err = h.svc.Upload(ctx, dup, UploadOptions{})

	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestIngestService_Upload_IdenticalBundleConflict(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	bundle := ingestBundle(t, ingestManifest("auth", "1.0.0"), nil)
	_, err := h.svc.Upload(ctx, bundle, UploadOptions{MakeActive: true})
	require.NoError(t, err)

	// With the version row gone the checksum guard still catches a byte-
	// identical re-upload.
	require.NoError(t, h.versions.Delete(ctx, "auth", "1.0.0"))
	_, err = h.svc.Upload(ctx, bundle, UploadOptions{})

	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Error(), "identical")
}

func TestIngestService_Upload_PolicyViolation(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	m := ingestManifest("greedy", "1.0.0")
	m.Permissions = &manifest.Permissions{Services: []string{"process"}}
	_, err := h.svc.Upload(ctx, ingestBundle(t, m, nil), UploadOptions{})

	var serr *apperrors.SecurityError
	require.ErrorAs(t, err, &serr)

	// High-severity violations land in the ledger with a quarantine action.
	ledger, err := h.trust.ListViolations(ctx, "greedy")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, trust.ActionQuarantine, ledger[0].Action)
	assert.Equal(t, "process", ledger[0].Capability)

	// Nothing was stored.
	_, err = h.blobs.ReadAll(ctx, "greedy", "1.0.0")
	assert.Error(t, err)
	_, err = h.plugins.GetByName(ctx, "greedy")
	assert.Error(t, err)
}

func TestIngestService_Upload_InvalidManifest(t *testing.T) {
	h := newIngestHarness(t, IngestConfig{})

	m := ingestManifest("BadName", "1.0.0") // uppercase plugin names are rejected
	_, err := h.svc.Upload(context.Background(), ingestBundle(t, m, nil), UploadOptions{})

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "PLUGIN_VALIDATION_FAILED", verr.Code())
}

func TestIngestService_Upload_SecondVersion(t *testing.T) {
	ctx := context.Background()
	h := newIngestHarness(t, IngestConfig{})

	_, err := h.svc.Upload(ctx, ingestBundle(t, ingestManifest("auth", "1.0.0"), nil), UploadOptions{MakeActive: true})
	require.NoError(t, err)
	_, err = h.svc.Upload(ctx, ingestBundle(t, ingestManifest("auth", "2.0.0"), nil), UploadOptions{MakeActive: true})
	require.NoError(t, err)

	record, err := h.plugins.GetByName(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", record.Version)

	rows, err := h.versions.ListVersions(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	old, err := h.versions.Get(ctx, "auth", "1.0.0")
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, entities.StatusDeprecated, old.Status)
}
