package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
)

// ReconcileReport summarizes one pass over blobs versus records.
type ReconcileReport struct {
	BlobsScanned int      `json:"blobsScanned"`
	Records      int      `json:"records"`
	OrphanBlobs  []string `json:"orphanBlobs,omitempty"`  // blob without any record
	MissingBlobs []string `json:"missingBlobs,omitempty"` // record without its blob
	Disabled     []string `json:"disabled,omitempty"`     // records disabled this pass
}

// ReconcileService reconciles the blob directory with the plugin records.
// Orphan blobs are reported but kept; records whose bundle file is gone are
// disabled so they stop being served.
type ReconcileService struct {
	plugins  ports.PluginRepository
	versions ports.VersionRepository
	blobs    ports.BlobStore
	logger   *slog.Logger
}

// NewReconcileService wires the reconciler.
func NewReconcileService(plugins ports.PluginRepository, versions ports.VersionRepository,
	blobs ports.BlobStore, logger *slog.Logger) *ReconcileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileService{plugins: plugins, versions: versions, blobs: blobs, logger: logger}
}

// Reconcile runs one pass. It is safe to run concurrently with uploads: a
// blob written after the listing simply shows up in the next pass.
func (s *ReconcileService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	blobs, err := s.blobs.List(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.plugins.List(ctx, ports.ListOptions{Status: ports.StatusAll})
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{BlobsScanned: len(blobs), Records: len(records)}

	known := make(map[string]bool) // name@version pairs backed by a record
	for _, record := range records {
		versions, err := s.versions.ListVersions(ctx, record.Name)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			known[blobKey(record.Name, v.Version)] = true
		}
		if len(versions) == 0 {
			known[blobKey(record.Name, record.Version)] = true
		}
	}

	byKey := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		key := blobKey(blob.Name, blob.Version)
		byKey[key] = true
		if !known[key] {
			report.OrphanBlobs = append(report.OrphanBlobs, key)
		}
	}

	for _, record := range records {
		if record.Status == entities.StatusDisabled {
			continue
		}
		key := blobKey(record.Name, record.Version)
		if byKey[key] {
			continue
		}
		report.MissingBlobs = append(report.MissingBlobs, key)
		if err := s.plugins.UpdateStatus(ctx, record.Name, entities.StatusDisabled); err != nil {
			s.logger.Error("failed to disable plugin with missing bundle",
				"plugin", record.Name, "error", err)
			continue
		}
		report.Disabled = append(report.Disabled, record.Name)
	}

	if len(report.OrphanBlobs) > 0 {
		s.logger.Warn("orphan bundle blobs found", "blobs", report.OrphanBlobs)
	}
	if len(report.Disabled) > 0 {
		s.logger.Warn("plugins disabled, bundle missing", "plugins", report.Disabled)
	}
	s.logger.Info("blob reconciliation complete",
		"blobs", report.BlobsScanned,
		"records", report.Records,
		"orphans", len(report.OrphanBlobs),
		"disabled", len(report.Disabled))
	return report, nil
}

func blobKey(name, version string) string {
	return fmt.Sprintf("%s@%s", name, version)
}
