package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
)

// TrustStore is the Postgres trust assignment, violation ledger, and
// change-request adapter. Evidence and violation details live in JSONB.
type TrustStore struct {
	db *sql.DB
}

// NewTrustStore wraps an open database handle.
func NewTrustStore(db *sql.DB) *TrustStore {
	return &TrustStore{db: db}
}

// Assign deactivates the prior active row for the same scope and inserts
// the new one inside a transaction.
func (s *TrustStore) Assign(ctx context.Context, assignment *trust.Assignment) error {
	if err := assignment.Validate(); err != nil {
		return apperrors.NewValidationError("invalid trust assignment", err.Error())
	}
	evidence, err := json.Marshal(assignment.Evidence)
	if err != nil {
		return apperrors.NewValidationError("invalid trust evidence", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError("assign", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE plugin_trust_levels SET is_active = FALSE
		WHERE plugin_name = $1 AND version = $2 AND is_active`,
		assignment.PluginName, assignment.Version); err != nil {
		return apperrors.NewDatabaseError("assign", "failed to deactivate prior assignment", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plugin_trust_levels
			(id, plugin_name, version, trust_level, assigned_by, assigned_at,
			 reason, evidence, valid_until, review_required, is_active)
		VALUES ($1,$2,$3,$4,$5,coalesce($6, now()),$7,$8,$9,$10,TRUE)`,
		uuid.NewString(), assignment.PluginName, assignment.Version,
		assignment.Level, assignment.AssignedBy, nullableTime(assignment.AssignedAt),
		assignment.Reason, evidence, assignment.ValidUntil,
		assignment.ReviewRequired); err != nil {
		return apperrors.NewDatabaseError("assign", "failed to insert assignment", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("assign", "failed to commit", err)
	}
	return nil
}

// ActiveAssignment returns the active row for the scope, preferring a
// version-specific row over the plugin-wide one.
func (s *TrustStore) ActiveAssignment(ctx context.Context, pluginName, version string) (*trust.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plugin_name, version, trust_level, assigned_by, assigned_at,
		       reason, evidence, valid_until, review_required, is_active
		FROM plugin_trust_levels
		WHERE plugin_name = $1 AND is_active AND (version = $2 OR version = '')
		ORDER BY version DESC
		LIMIT 1`, pluginName, version)

	assignment, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("trust assignment", pluginName)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", "failed to load trust assignment", err)
	}
	return assignment, nil
}

// ListAssignments returns the full assignment history, newest first.
func (s *TrustStore) ListAssignments(ctx context.Context, pluginName string) ([]*trust.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_name, version, trust_level, assigned_by, assigned_at,
		       reason, evidence, valid_until, review_required, is_active
		FROM plugin_trust_levels
		WHERE plugin_name = $1
		ORDER BY assigned_at DESC`, pluginName)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", "failed to list trust assignments", err)
	}
	defer rows.Close()

	var assignments []*trust.Assignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan", "failed to scan assignment row", err)
		}
		assignments = append(assignments, assignment)
	}
	return assignments, rows.Err()
}

// RecordViolation appends to the violation ledger.
func (s *TrustStore) RecordViolation(ctx context.Context, violation *trust.Violation) error {
	if err := violation.Validate(); err != nil {
		return apperrors.NewValidationError("invalid trust violation", err.Error())
	}
	details, err := json.Marshal(violation.Details)
	if err != nil {
		return apperrors.NewValidationError("invalid violation details", err.Error())
	}
	id := violation.ID
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_trust_violations
			(id, plugin_name, version, capability, severity, action,
			 description, details, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,coalesce($9, now()))`,
		id, violation.PluginName, violation.Version, violation.Capability,
		violation.Severity, violation.Action, violation.Description,
		details, nullableTime(violation.RecordedAt)); err != nil {
		return apperrors.NewDatabaseError("violation", "failed to record violation", err)
	}
	return nil
}

// ListViolations returns the ledger for one plugin, newest first.
func (s *TrustStore) ListViolations(ctx context.Context, pluginName string) ([]*trust.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_name, version, capability, severity, action,
		       description, details, recorded_at
		FROM plugin_trust_violations
		WHERE plugin_name = $1
		ORDER BY recorded_at DESC`, pluginName)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", "failed to list violations", err)
	}
	defer rows.Close()

	var violations []*trust.Violation
	for rows.Next() {
		var v trust.Violation
		var details []byte
		if err := rows.Scan(&v.ID, &v.PluginName, &v.Version, &v.Capability,
			&v.Severity, &v.Action, &v.Description, &details, &v.RecordedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan", "failed to scan violation row", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &v.Details); err != nil {
				return nil, apperrors.NewDatabaseError("scan", "corrupt violation details", err)
			}
		}
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}

// EnqueueChangeRequest queues a trust change for review.
func (s *TrustStore) EnqueueChangeRequest(ctx context.Context, req *trust.ChangeRequest) error {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_trust_change_requests
			(id, plugin_name, version, current_level, requested_level,
			 requested_by, justification, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,coalesce($8, now()))`,
		id, req.PluginName, req.Version, req.CurrentLevel, req.RequestedLevel,
		req.RequestedBy, req.Justification, nullableTime(req.SubmittedAt)); err != nil {
		return apperrors.NewDatabaseError("enqueue", "failed to queue change request", err)
	}
	return nil
}

// PendingChangeRequests returns unresolved requests in submission order.
func (s *TrustStore) PendingChangeRequests(ctx context.Context) ([]*trust.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_name, version, current_level, requested_level,
		       requested_by, justification, submitted_at
		FROM plugin_trust_change_requests
		WHERE NOT resolved
		ORDER BY submitted_at`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", "failed to list change requests", err)
	}
	defer rows.Close()

	var requests []*trust.ChangeRequest
	for rows.Next() {
		var req trust.ChangeRequest
		if err := rows.Scan(&req.ID, &req.PluginName, &req.Version,
			&req.CurrentLevel, &req.RequestedLevel, &req.RequestedBy,
			&req.Justification, &req.SubmittedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan", "failed to scan change request", err)
		}
		requests = append(requests, &req)
	}
	return requests, rows.Err()
}

func scanAssignment(row rowScanner) (*trust.Assignment, error) {
	var a trust.Assignment
	var evidence []byte
	var validUntil sql.NullTime
	if err := row.Scan(&a.PluginName, &a.Version, &a.Level, &a.AssignedBy,
		&a.AssignedAt, &a.Reason, &evidence, &validUntil,
		&a.ReviewRequired, &a.IsActive); err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
			return nil, err
		}
	}
	if validUntil.Valid {
		a.ValidUntil = &validUntil.Time
	}
	return &a, nil
}

func nullableTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
