package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	domainservices "github.com/pluginhub-dev/pluginhub/internal/domain/services"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
)

// defaultKeepLatest is how many non-active versions Archive preserves when
// the caller does not say.
const defaultKeepLatest = 5

// RollbackOptions tune a rollback.
type RollbackOptions struct {
	Reason                 string `json:"reason"`
	PreserveCurrentVersion bool   `json:"preserveCurrentVersion"`
}

// LifecycleService manages the multi-version table: promotion, rollback,
// archival, and compatibility analysis.
type LifecycleService struct {
	versions ports.VersionRepository
	analyzer *domainservices.CompatibilityAnalyzer
	bus      ports.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycleService creates the version lifecycle engine.
func NewLifecycleService(versions ports.VersionRepository, bus ports.EventBus, logger *slog.Logger) *LifecycleService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleService{
		versions: versions,
		analyzer: domainservices.NewCompatibilityAnalyzer(),
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// ListVersions returns all version rows, newest first.
func (s *LifecycleService) ListVersions(ctx context.Context, name string) ([]*entities.PluginVersionRecord, error) {
	return s.versions.ListVersions(ctx, name)
}

// GetActive returns the single active version row.
func (s *LifecycleService) GetActive(ctx context.Context, name string) (*entities.PluginVersionRecord, error) {
	return s.versions.GetActive(ctx, name)
}

// AddVersion inserts a version row; with makeActive it is promoted
// immediately.
func (s *LifecycleService) AddVersion(ctx context.Context, record *entities.PluginVersionRecord, makeActive bool) (*entities.PluginVersionRecord, error) {
	inserted, err := s.versions.Insert(ctx, record)
	if err != nil {
		return nil, err
	}
	if !makeActive {
		return inserted, nil
	}
	return s.Promote(ctx, inserted.PluginName, inserted.Version)
}

// Promote makes the target version active; the repository guarantees the
// transactional flip and the mirror into the primary record. Promoting the
// already-active version is a no-op beyond refreshing the promotion date.
func (s *LifecycleService) Promote(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error) {
	promoted, err := s.versions.Promote(ctx, name, version)
	if err != nil {
		return nil, err
	}
	s.logger.Info("version promoted", "plugin", name, "version", version)
	s.bus.Publish(ports.Event{
		Kind:       events.KindVersionPromoted,
		PluginName: name,
		Data:       map[string]any{"version": version},
	})
	return promoted, nil
}

// Rollback re-promotes a previous version. With PreserveCurrentVersion the
// outgoing active version is kept as a rollback target instead of being
// deprecated.
func (s *LifecycleService) Rollback(ctx context.Context, name, targetVersion string, opts RollbackOptions) (*entities.PluginVersionRecord, error) {
	if _, err := s.versions.Get(ctx, name, targetVersion); err != nil {
		return nil, err
	}

	current, err := s.versions.GetActive(ctx, name)
	if err != nil {
		var notFound *apperrors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		current = nil
	}

	promoted, err := s.versions.Promote(ctx, name, targetVersion)
	if err != nil {
		return nil, err
	}

	if opts.PreserveCurrentVersion && current != nil && current.Version != targetVersion {
		outgoing, err := s.versions.Get(ctx, name, current.Version)
		if err != nil {
			return nil, err
		}
		outgoing.Status = entities.StatusRollbackTarget
		outgoing.RollbackReason = opts.Reason
		if err := s.versions.Update(ctx, outgoing); err != nil {
			return nil, err
		}
	}

	s.logger.Info("version rolled back",
		"plugin", name, "target", targetVersion, "reason", opts.Reason)
	s.bus.Publish(ports.Event{
		Kind:       events.KindVersionRolledBack,
		PluginName: name,
		Data: map[string]any{
			"target": targetVersion,
			"reason": opts.Reason,
		},
	})
	return promoted, nil
}

// Archive marks old inactive versions as archived, preserving the newest
// keepLatest of them. Active and rollback-target rows are never archived.
func (s *LifecycleService) Archive(ctx context.Context, name string, keepLatest int) (archived []string, err error) {
	if keepLatest <= 0 {
		keepLatest = defaultKeepLatest
	}

	rows, err := s.versions.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	var candidates []*entities.PluginVersionRecord
	for _, row := range rows {
		if row.IsActive || row.Status == entities.StatusRollbackTarget || row.Status == entities.StatusArchived {
			continue
		}
		candidates = append(candidates, row)
	}
	if len(candidates) <= keepLatest {
		return nil, nil
	}

	// rows come back newest first; everything past keepLatest is archived.
	for _, row := range candidates[keepLatest:] {
		row.Status = entities.StatusArchived
		if err := s.versions.Update(ctx, row); err != nil {
			return archived, err
		}
		archived = append(archived, row.Version)
	}
	if len(archived) > 0 {
		s.logger.Info("versions archived", "plugin", name, "count", len(archived))
	}
	return archived, nil
}

// DeleteVersion removes a version row; deleting the active version requires
// force.
func (s *LifecycleService) DeleteVersion(ctx context.Context, name, version string, force bool) error {
	row, err := s.versions.Get(ctx, name, version)
	if err != nil {
		return err
	}
	if row.IsActive && !force {
		return apperrors.NewConflictError(name, version,
			"cannot delete the active version without force")
	}
	return s.versions.Delete(ctx, name, version)
}

// CheckCompatibility compares two stored versions for upgrade safety.
func (s *LifecycleService) CheckCompatibility(ctx context.Context, name, fromVersion, toVersion string) (*domainservices.CompatibilityReport, error) {
	from, err := s.versions.Get(ctx, name, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.versions.Get(ctx, name, toVersion)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Analyze(from, to)
}
