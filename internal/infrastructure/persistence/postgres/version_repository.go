package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
)

const versionColumns = `id, plugin_name, version, is_active, status,
	promotion_date, deprecation_date, rollback_reason, description, author,
	license, manifest, file_path, file_size, checksum, upload_date, tags,
	dependencies, exports, created_at, updated_at`

// VersionRepository is the Postgres multi-version table adapter.
type VersionRepository struct {
	db *sql.DB
}

// NewVersionRepository wraps an open database handle.
func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Insert adds a new version row; (plugin_name, version) is unique.
func (r *VersionRepository) Insert(ctx context.Context, record *entities.PluginVersionRecord) (*entities.PluginVersionRecord, error) {
	if err := record.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid version record", err.Error())
	}
	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO plugin_versions (`+versionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
		RETURNING `+versionColumns,
		id, record.PluginName, record.Version, record.IsActive, record.Status,
		record.PromotionDate, record.DeprecationDate, record.RollbackReason,
		record.Description, record.Author, record.License, record.Manifest,
		record.FilePath, record.FileSize, record.Checksum, record.UploadDate,
		pq.Array(record.Tags), pq.Array(record.Dependencies), pq.Array(record.Exports))

	saved, err := scanVersion(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewConflictError(record.PluginName, record.Version, "version already exists")
		}
		return nil, apperrors.NewDatabaseError("insert", "failed to insert version", err)
	}
	return saved, nil
}

// Get returns one version row.
func (r *VersionRepository) Get(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM plugin_versions WHERE plugin_name = $1 AND version = $2`,
		name, version)
	record, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", "failed to load version", err)
	}
	return record, nil
}

// GetActive returns the row with is_active=true for the plugin.
func (r *VersionRepository) GetActive(ctx context.Context, name string) (*entities.PluginVersionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM plugin_versions WHERE plugin_name = $1 AND is_active`, name)
	record, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("active version", name)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", "failed to load active version", err)
	}
	return record, nil
}

// ListVersions returns all rows for a plugin, newest version first.
func (r *VersionRepository) ListVersions(ctx context.Context, name string) ([]*entities.PluginVersionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM plugin_versions
		WHERE plugin_name = $1
		ORDER BY string_to_array(split_part(version, '-', 1), '.')::int[] DESC, version DESC`, name)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", "failed to list versions", err)
	}
	defer rows.Close()

	var records []*entities.PluginVersionRecord
	for rows.Next() {
		record, err := scanVersion(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan", "failed to scan version row", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Update replaces a row's mutable fields.
func (r *VersionRepository) Update(ctx context.Context, record *entities.PluginVersionRecord) error {
	if err := record.Validate(); err != nil {
		return apperrors.NewValidationError("invalid version record", err.Error())
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE plugin_versions SET
			is_active = $3, status = $4, promotion_date = $5,
			deprecation_date = $6, rollback_reason = $7, description = $8,
			tags = $9, dependencies = $10, exports = $11, updated_at = now()
		WHERE plugin_name = $1 AND version = $2`,
		record.PluginName, record.Version, record.IsActive, record.Status,
		record.PromotionDate, record.DeprecationDate, record.RollbackReason,
		record.Description, pq.Array(record.Tags), pq.Array(record.Dependencies),
		pq.Array(record.Exports))
	if err != nil {
		return apperrors.NewDatabaseError("update", "failed to update version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("plugin version", record.PluginName+"@"+record.Version)
	}
	return nil
}

// Delete removes a version row.
func (r *VersionRepository) Delete(ctx context.Context, name, version string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM plugin_versions WHERE plugin_name = $1 AND version = $2`, name, version)
	if err != nil {
		return apperrors.NewDatabaseError("delete", "failed to delete version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}
	return nil
}

// Promote makes the target version the single active one inside one
// transaction: deactivate siblings, activate the target, and mirror its
// payload into the primary plugins row.
func (r *VersionRepository) Promote(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("promote", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE plugin_versions SET
			is_active = FALSE,
			status = CASE WHEN status = 'active' THEN 'deprecated' ELSE status END,
			deprecation_date = CASE WHEN status = 'active' THEN now() ELSE deprecation_date END,
			updated_at = now()
		WHERE plugin_name = $1 AND is_active AND version <> $2`, name, version); err != nil {
		return nil, apperrors.NewDatabaseError("promote", "failed to deactivate siblings", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE plugin_versions SET
			is_active = TRUE, status = 'active', promotion_date = now(), updated_at = now()
		WHERE plugin_name = $1 AND version = $2
		RETURNING `+versionColumns, name, version)
	target, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("plugin version", name+"@"+version)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("promote", "failed to activate target", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE plugins SET
			version = $2, description = $3, author = $4, license = $5,
			manifest = $6, file_path = $7, file_size = $8, checksum = $9,
			status = 'active', tags = $10, dependencies = $11, updated_at = now()
		WHERE name = $1`,
		name, target.Version, target.Description, target.Author, target.License,
		target.Manifest, target.FilePath, target.FileSize, target.Checksum,
		pq.Array(target.Tags), pq.Array(target.Dependencies)); err != nil {
		return nil, apperrors.NewDatabaseError("promote", "failed to mirror primary record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("promote", "failed to commit", err)
	}
	return target, nil
}

func scanVersion(row rowScanner) (*entities.PluginVersionRecord, error) {
	var v entities.PluginVersionRecord
	var promotion, deprecation sql.NullTime
	if err := row.Scan(
		&v.ID, &v.PluginName, &v.Version, &v.IsActive, &v.Status,
		&promotion, &deprecation, &v.RollbackReason, &v.Description, &v.Author,
		&v.License, &v.Manifest, &v.FilePath, &v.FileSize, &v.Checksum,
		&v.UploadDate, pq.Array(&v.Tags), pq.Array(&v.Dependencies),
		pq.Array(&v.Exports), &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if promotion.Valid {
		v.PromotionDate = &promotion.Time
	}
	if deprecation.Valid {
		v.DeprecationDate = &deprecation.Time
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
