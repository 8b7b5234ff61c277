// Package memory provides in-memory implementations of the persistence
// ports. They satisfy the same contract semantics as the durable Postgres
// adapters and back the test suites.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
)

// PluginRepository is the in-memory primary plugin table.
type PluginRepository struct {
	mu        sync.RWMutex
	byName    map[string]*entities.PluginRecord
	downloads map[string][]*entities.PluginDownloadRecord // keyed by plugin name
	now       func() time.Time
}

// NewPluginRepository creates an empty in-memory repository.
func NewPluginRepository() *PluginRepository {
	return &PluginRepository{
		byName:    make(map[string]*entities.PluginRecord),
		downloads: make(map[string][]*entities.PluginDownloadRecord),
		now:       time.Now,
	}
}

// Save upserts by name. On conflict the stored fields are replaced but the
// download counter and creation timestamp survive.
func (r *PluginRepository) Save(ctx context.Context, record *entities.PluginRecord) (*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := record.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid plugin record", err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stored := record.Clone()
	if existing, ok := r.byName[record.Name]; ok {
		stored.ID = existing.ID
		stored.DownloadCount = existing.DownloadCount
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.byName[record.Name] = stored
	return stored.Clone(), nil
}

// GetByName returns the record iff its status is active.
func (r *PluginRepository) GetByName(ctx context.Context, name string) (*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.byName[name]
	if !ok || record.Status != entities.StatusActive {
		return nil, apperrors.NewPluginNotFoundError(name)
	}
	return record.Clone(), nil
}

// GetByChecksum returns any record matching the checksum, regardless of status.
func (r *PluginRepository) GetByChecksum(ctx context.Context, checksum string) (*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, record := range r.byName {
		if record.Checksum == checksum {
			return record.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("plugin", "checksum "+checksum)
}

// List filters by status, sorts, and paginates.
func (r *PluginRepository) List(ctx context.Context, opts ports.ListOptions) ([]*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	records := make([]*entities.PluginRecord, 0, len(r.byName))
	for _, record := range r.byName {
		records = append(records, record.Clone())
	}
	r.mu.RUnlock()

	status := opts.Status
	if status == "" {
		status = entities.StatusActive
	}
	if status != ports.StatusAll {
		filtered := records[:0]
		for _, record := range records {
			if record.Status == status {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	sortRecords(records, opts.SortBy, opts.Descending)
	return paginate(records, opts.Offset, opts.Limit), nil
}

// Search matches the query case-insensitively against name, description,
// author, and tags; active records only, sorted by name.
func (r *PluginRepository) Search(ctx context.Context, query string) ([]*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*entities.PluginRecord
	for _, record := range r.byName {
		if record.Status != entities.StatusActive {
			continue
		}
		if matchesQuery(record, needle) {
			matches = append(matches, record.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches, nil
}

// RecordDownload atomically bumps the counter, stamps last access, and
// appends the history row. Counter and history move together.
func (r *PluginRepository) RecordDownload(ctx context.Context, name, userAgent, ipAddress string) (*entities.PluginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byName[name]
	if !ok {
		return nil, apperrors.NewPluginNotFoundError(name)
	}

	now := r.now()
	record.DownloadCount++
	record.LastAccessed = now
	r.downloads[name] = append(r.downloads[name], &entities.PluginDownloadRecord{
		ID:           uuid.NewString(),
		PluginID:     record.ID,
		Version:      record.Version,
		DownloadDate: now,
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
	})
	return record.Clone(), nil
}

// Delete removes the record and cascades its download history.
func (r *PluginRepository) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return apperrors.NewPluginNotFoundError(name)
	}
	delete(r.byName, name)
	delete(r.downloads, name)
	return nil
}

// UpdateStatus transitions the record status and bumps updatedAt.
func (r *PluginRepository) UpdateStatus(ctx context.Context, name string, status entities.PluginStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entities.ValidPrimaryStatus(status) {
		return apperrors.NewValidationError("invalid status", string(status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byName[name]
	if !ok {
		return apperrors.NewPluginNotFoundError(name)
	}
	record.Status = status
	record.UpdatedAt = r.now()
	return nil
}

// Downloads returns the download history for a plugin.
func (r *PluginRepository) Downloads(ctx context.Context, name string) ([]*entities.PluginDownloadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.downloads[name]
	out := make([]*entities.PluginDownloadRecord, len(history))
	for i, d := range history {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

// Stats summarizes the table.
func (r *PluginRepository) Stats(ctx context.Context) (*ports.RepositoryStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &ports.RepositoryStats{TotalPlugins: len(r.byName)}
	var oldest, newest time.Time
	var maxDownloads int64 = -1

	for _, record := range r.byName {
		stats.TotalDownloads += record.DownloadCount
		stats.TotalSizeBytes += record.FileSize
		if record.DownloadCount > maxDownloads {
			maxDownloads = record.DownloadCount
			stats.MostPopular = record.Name
		}
		if oldest.IsZero() || record.UploadDate.Before(oldest) {
			oldest = record.UploadDate
			stats.Oldest = record.Name
		}
		if newest.IsZero() || record.UploadDate.After(newest) {
			newest = record.UploadDate
			stats.Newest = record.Name
		}
	}
	if stats.TotalPlugins > 0 {
		stats.AverageSize = stats.TotalSizeBytes / int64(stats.TotalPlugins)
	}
	return stats, nil
}

// HealthCheck always succeeds for the in-memory store.
func (r *PluginRepository) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// locked variants used by the version repository's promotion transaction.

func (r *PluginRepository) getLocked(name string) (*entities.PluginRecord, bool) {
	record, ok := r.byName[name]
	return record, ok
}

func sortRecords(records []*entities.PluginRecord, field ports.SortField, descending bool) {
	less := func(i, j int) bool { return records[i].Name < records[j].Name }
	switch field {
	case ports.SortByUploadDate:
		less = func(i, j int) bool {
			if records[i].UploadDate.Equal(records[j].UploadDate) {
				return records[i].ID < records[j].ID
			}
			return records[i].UploadDate.Before(records[j].UploadDate)
		}
	case ports.SortByDownloadCount:
		less = func(i, j int) bool { return records[i].DownloadCount < records[j].DownloadCount }
	case ports.SortByVersion:
		less = func(i, j int) bool {
			return compareVersionsForSort(records[i].Version, records[j].Version) < 0
		}
	}
	if descending {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(records, less)
}

func paginate(records []*entities.PluginRecord, offset, limit int) []*entities.PluginRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func matchesQuery(record *entities.PluginRecord, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(record.Name), needle) ||
		strings.Contains(strings.ToLower(record.Description), needle) ||
		strings.Contains(strings.ToLower(record.Author), needle) {
		return true
	}
	for _, tag := range record.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}
