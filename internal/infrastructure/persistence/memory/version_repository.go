package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// VersionRepository is the in-memory multi-version table. It holds a
// reference to the plugin repository so Promote can mirror the promoted
// payload into the primary record within the same critical section.
type VersionRepository struct {
	mu      sync.RWMutex
	rows    map[string]map[string]*entities.PluginVersionRecord // name -> version -> row
	plugins *PluginRepository
	now     func() time.Time
}

// NewVersionRepository creates an empty version table bound to the primary
// plugin repository.
func NewVersionRepository(plugins *PluginRepository) *VersionRepository {
	return &VersionRepository{
		rows:    make(map[string]map[string]*entities.PluginVersionRecord),
		plugins: plugins,
		now:     time.Now,
	}
}

// Insert adds a new version row. (pluginName, version) must be unique.
func (r *VersionRepository) Insert(ctx context.Context, record *entities.PluginVersionRecord) (*entities.PluginVersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := record.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid version record", err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.rows[record.PluginName]
	if versions == nil {
		versions = make(map[string]*entities.PluginVersionRecord)
		r.rows[record.PluginName] = versions
	}
	if _, exists := versions[record.Version]; exists {
		return nil, apperrors.NewConflictError(record.PluginName, record.Version, "version already exists")
	}

	now := r.now()
	stored := record.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	versions[record.Version] = stored
	return stored.Clone(), nil
}

// Get returns one version row.
func (r *VersionRepository) Get(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[name][version]
	if !ok {
		return nil, apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}
	return row.Clone(), nil
}

// GetActive returns the row with isActive=true for the plugin.
func (r *VersionRepository) GetActive(ctx context.Context, name string) (*entities.PluginVersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, row := range r.rows[name] {
		if row.IsActive {
			return row.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("active version", name)
}

// ListVersions returns all rows for a plugin, newest version first.
func (r *VersionRepository) ListVersions(ctx context.Context, name string) ([]*entities.PluginVersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.rows[name]
	out := make([]*entities.PluginVersionRecord, 0, len(versions))
	for _, row := range versions {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return compareVersionsForSort(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

// Update replaces a row's mutable fields. Identity fields must match an
// existing row.
func (r *VersionRepository) Update(ctx context.Context, record *entities.PluginVersionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return apperrors.NewValidationError("invalid version record", err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rows[record.PluginName][record.Version]
	if !ok {
		return apperrors.NewNotFoundError("plugin version", record.PluginName+"@"+record.Version)
	}
	stored := record.Clone()
	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = r.now()
	r.rows[record.PluginName][record.Version] = stored
	return nil
}

// Delete removes a version row.
func (r *VersionRepository) Delete(ctx context.Context, name, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[name][version]; !ok {
		return apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}
	delete(r.rows[name], version)
	if len(r.rows[name]) == 0 {
		delete(r.rows, name)
	}
	return nil
}

// Promote atomically makes the target version the single active one:
// every other row for the plugin loses isActive, the target becomes
// active, and its payload is mirrored into the primary plugin record.
func (r *VersionRepository) Promote(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.rows[name][version]
	if !ok {
		return nil, apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}

	now := r.now()
	for _, row := range r.rows[name] {
		if row.IsActive && row.Version != version {
			row.IsActive = false
			if row.Status == entities.StatusActive {
				row.Status = entities.StatusDeprecated
				row.DeprecationDate = timePtr(now)
			}
			row.UpdatedAt = now
		}
	}

	target.IsActive = true
	target.Status = entities.StatusActive
	target.PromotionDate = timePtr(now)
	target.UpdatedAt = now

	// Mirror into the primary record under the plugin repository's lock.
	r.plugins.mu.Lock()
	if primary, ok := r.plugins.getLocked(name); ok {
		target.MirrorToPrimary(primary, now)
	}
	r.plugins.mu.Unlock()

	return target.Clone(), nil
}

func timePtr(t time.Time) *time.Time { return &t }

// compareVersionsForSort orders version strings semantically, falling back
// to lexical comparison for non-semver input.
func compareVersionsForSort(a, b string) int {
	return values.CompareVersionStrings(a, b)
}
