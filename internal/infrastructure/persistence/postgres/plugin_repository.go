package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
)

const pluginColumns = `id, name, version, description, author, license, manifest,
	file_path, file_size, checksum, upload_date, last_accessed, download_count,
	status, tags, dependencies, created_at, updated_at`

// PluginRepository is the Postgres primary plugin table adapter.
type PluginRepository struct {
	db *sql.DB
}

// NewPluginRepository wraps an open database handle.
func NewPluginRepository(db *sql.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

// Save upserts by name. ON CONFLICT keeps download_count and created_at.
func (r *PluginRepository) Save(ctx context.Context, record *entities.PluginRecord) (*entities.PluginRecord, error) {
	if err := record.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid plugin record", err.Error())
	}
	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO plugins (`+pluginColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$14,$15,now(),now())
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			description = EXCLUDED.description,
			author = EXCLUDED.author,
			license = EXCLUDED.license,
			manifest = EXCLUDED.manifest,
			file_path = EXCLUDED.file_path,
			file_size = EXCLUDED.file_size,
			checksum = EXCLUDED.checksum,
			upload_date = EXCLUDED.upload_date,
			status = EXCLUDED.status,
			tags = EXCLUDED.tags,
			dependencies = EXCLUDED.dependencies,
			updated_at = now()
		RETURNING `+pluginColumns,
		id, record.Name, record.Version, record.Description, record.Author,
		record.License, record.Manifest, record.FilePath, record.FileSize,
		record.Checksum, record.UploadDate, nullTime(record.LastAccessed),
		record.Status, pq.Array(record.Tags), pq.Array(record.Dependencies))

	saved, err := scanPlugin(row)
	if err != nil {
		return nil, apperrors.NewDatabaseError("save", "failed to upsert plugin", err)
	}
	return saved, nil
}

// GetByName returns the record iff its status is active.
func (r *PluginRepository) GetByName(ctx context.Context, name string) (*entities.PluginRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE name = $1 AND status = 'active'`, name)
	record, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewPluginNotFoundError(name)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", "failed to load plugin", err)
	}
	return record, nil
}

// GetByChecksum returns any record matching the checksum, regardless of status.
func (r *PluginRepository) GetByChecksum(ctx context.Context, checksum string) (*entities.PluginRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE checksum = $1 LIMIT 1`, checksum)
	record, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("plugin", "checksum "+checksum)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", "failed to load plugin by checksum", err)
	}
	return record, nil
}

// List filters by status, sorts, and paginates.
func (r *PluginRepository) List(ctx context.Context, opts ports.ListOptions) ([]*entities.PluginRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + pluginColumns + ` FROM plugins`)

	var args []any
	status := opts.Status
	if status == "" {
		status = entities.StatusActive
	}
	if status != ports.StatusAll {
		args = append(args, status)
		sb.WriteString(` WHERE status = $1`)
	}

	sb.WriteString(` ORDER BY ` + sortColumn(opts.SortBy))
	if opts.Descending {
		sb.WriteString(` DESC`)
	}
	sb.WriteString(`, name`)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", "failed to list plugins", err)
	}
	defer rows.Close()
	return scanPlugins(rows)
}

// Search matches the query case-insensitively against name, description,
// author, and tags; active records only.
func (r *PluginRepository) Search(ctx context.Context, query string) ([]*entities.PluginRecord, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+pluginColumns+` FROM plugins
		WHERE status = 'active'
		  AND (name ILIKE $1 OR description ILIKE $1 OR author ILIKE $1
		       OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE $1))
		ORDER BY name`, pattern)
	if err != nil {
		return nil, apperrors.NewDatabaseError("search", "failed to search plugins", err)
	}
	defer rows.Close()
	return scanPlugins(rows)
}

// RecordDownload increments the counter and appends the history row inside
// one transaction.
func (r *PluginRepository) RecordDownload(ctx context.Context, name, userAgent, ipAddress string) (*entities.PluginRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("download", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE plugins
		SET download_count = download_count + 1, last_accessed = now()
		WHERE name = $1
		RETURNING `+pluginColumns, name)
	record, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewPluginNotFoundError(name)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("download", "failed to update counter", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plugin_downloads (id, plugin_id, version, download_date, user_agent, ip_address)
		VALUES ($1, $2, $3, now(), $4, $5)`,
		uuid.NewString(), record.ID, record.Version, userAgent, ipAddress); err != nil {
		return nil, apperrors.NewDatabaseError("download", "failed to record history", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("download", "failed to commit", err)
	}
	return record, nil
}

// Delete removes the record; history rows cascade.
func (r *PluginRepository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM plugins WHERE name = $1`, name)
	if err != nil {
		return apperrors.NewDatabaseError("delete", "failed to delete plugin", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewPluginNotFoundError(name)
	}
	return nil
}

// UpdateStatus transitions the record status.
func (r *PluginRepository) UpdateStatus(ctx context.Context, name string, status entities.PluginStatus) error {
	if !entities.ValidPrimaryStatus(status) {
		return apperrors.NewValidationError("invalid status", string(status))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE plugins SET status = $2, updated_at = now() WHERE name = $1`, name, status)
	if err != nil {
		return apperrors.NewDatabaseError("update", "failed to update status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewPluginNotFoundError(name)
	}
	return nil
}

// Downloads returns the download history for a plugin.
func (r *PluginRepository) Downloads(ctx context.Context, name string) ([]*entities.PluginDownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.id, d.plugin_id, d.version, d.download_date, d.user_agent, d.ip_address
		FROM plugin_downloads d
		JOIN plugins p ON p.id = d.plugin_id
		WHERE p.name = $1
		ORDER BY d.download_date`, name)
	if err != nil {
		return nil, apperrors.NewDatabaseError("downloads", "failed to load history", err)
	}
	defer rows.Close()

	var history []*entities.PluginDownloadRecord
	for rows.Next() {
		var d entities.PluginDownloadRecord
		if err := rows.Scan(&d.ID, &d.PluginID, &d.Version, &d.DownloadDate, &d.UserAgent, &d.IPAddress); err != nil {
			return nil, apperrors.NewDatabaseError("downloads", "failed to scan history row", err)
		}
		history = append(history, &d)
	}
	return history, rows.Err()
}

// Stats summarizes the table.
func (r *PluginRepository) Stats(ctx context.Context) (*ports.RepositoryStats, error) {
	stats := &ports.RepositoryStats{}
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
		       coalesce(sum(download_count), 0),
		       coalesce(sum(file_size), 0),
		       coalesce(avg(file_size), 0)::bigint
		FROM plugins`).Scan(
		&stats.TotalPlugins, &stats.TotalDownloads, &stats.TotalSizeBytes, &stats.AverageSize)
	if err != nil {
		return nil, apperrors.NewDatabaseError("stats", "failed to aggregate", err)
	}
	if stats.TotalPlugins == 0 {
		return stats, nil
	}

	for _, q := range []struct {
		query string
		dest  *string
	}{
		{`SELECT name FROM plugins ORDER BY download_count DESC, name LIMIT 1`, &stats.MostPopular},
		{`SELECT name FROM plugins ORDER BY upload_date ASC, name LIMIT 1`, &stats.Oldest},
		{`SELECT name FROM plugins ORDER BY upload_date DESC, name LIMIT 1`, &stats.Newest},
	} {
		if err := r.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewDatabaseError("stats", "failed to aggregate", err)
		}
	}
	return stats, nil
}

// HealthCheck pings the database.
func (r *PluginRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return apperrors.NewDatabaseError("ping", "database unreachable", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*entities.PluginRecord, error) {
	var p entities.PluginRecord
	var lastAccessed sql.NullTime
	if err := row.Scan(
		&p.ID, &p.Name, &p.Version, &p.Description, &p.Author, &p.License,
		&p.Manifest, &p.FilePath, &p.FileSize, &p.Checksum, &p.UploadDate,
		&lastAccessed, &p.DownloadCount, &p.Status,
		pq.Array(&p.Tags), pq.Array(&p.Dependencies),
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		p.LastAccessed = lastAccessed.Time
	}
	return &p, nil
}

func scanPlugins(rows *sql.Rows) ([]*entities.PluginRecord, error) {
	var records []*entities.PluginRecord
	for rows.Next() {
		record, err := scanPlugin(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan", "failed to scan plugin row", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func sortColumn(field ports.SortField) string {
	switch field {
	case ports.SortByUploadDate:
		return "upload_date"
	case ports.SortByDownloadCount:
		return "download_count"
	case ports.SortByVersion:
		// Numeric core only; prerelease tags tie-break lexically via the
		// trailing name sort.
		return "string_to_array(split_part(version, '-', 1), '.')::int[]"
	default:
		return "name"
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
