package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
)

// TrustStore is the in-memory trust assignment table, violation ledger, and
// change-request queue. Assignments are append-only; at most one row per
// (pluginName, version?) scope is active.
type TrustStore struct {
	mu          sync.RWMutex
	assignments map[string][]*trust.Assignment // keyed by plugin name
	violations  map[string][]*trust.Violation
	pending     []*trust.ChangeRequest
	now         func() time.Time
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{
		assignments: make(map[string][]*trust.Assignment),
		violations:  make(map[string][]*trust.Violation),
		now:         time.Now,
	}
}

// Assign appends an assignment after deactivating the prior active row for
// the same scope. Deactivation and insertion happen under one lock.
func (s *TrustStore) Assign(ctx context.Context, assignment *trust.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := assignment.Validate(); err != nil {
		return apperrors.NewValidationError("invalid trust assignment", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *assignment
	if stored.AssignedAt.IsZero() {
		stored.AssignedAt = s.now()
	}
	stored.IsActive = true

	for _, existing := range s.assignments[assignment.PluginName] {
		if existing.IsActive && existing.Key() == stored.Key() {
			existing.IsActive = false
		}
	}
	s.assignments[assignment.PluginName] = append(s.assignments[assignment.PluginName], &stored)
	return nil
}

// ActiveAssignment returns the active row for the scope. A version-specific
// lookup falls back to the plugin-wide row when no versioned row is active.
func (s *TrustStore) ActiveAssignment(ctx context.Context, pluginName, version string) (*trust.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pluginWide *trust.Assignment
	for _, a := range s.assignments[pluginName] {
		if !a.IsActive {
			continue
		}
		if version != "" && a.Version == version {
			cp := *a
			return &cp, nil
		}
		if a.Version == "" {
			pluginWide = a
		}
	}
	if pluginWide != nil {
		cp := *pluginWide
		return &cp, nil
	}
	return nil, apperrors.NewNotFoundError("trust assignment", pluginName)
}

// ListAssignments returns the full assignment history, newest first.
func (s *TrustStore) ListAssignments(ctx context.Context, pluginName string) ([]*trust.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.assignments[pluginName]
	out := make([]*trust.Assignment, len(history))
	for i, a := range history {
		cp := *a
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	return out, nil
}

// RecordViolation appends to the violation ledger.
func (s *TrustStore) RecordViolation(ctx context.Context, violation *trust.Violation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := violation.Validate(); err != nil {
		return apperrors.NewValidationError("invalid trust violation", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *violation
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.now()
	}
	s.violations[violation.PluginName] = append(s.violations[violation.PluginName], &stored)
	return nil
}

// ListViolations returns the ledger for one plugin, newest first.
func (s *TrustStore) ListViolations(ctx context.Context, pluginName string) ([]*trust.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger := s.violations[pluginName]
	out := make([]*trust.Violation, len(ledger))
	for i, v := range ledger {
		cp := *v
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

// EnqueueChangeRequest queues a trust change for review.
func (s *TrustStore) EnqueueChangeRequest(ctx context.Context, req *trust.ChangeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *req
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = s.now()
	}
	s.pending = append(s.pending, &stored)
	return nil
}

// PendingChangeRequests returns queued requests in submission order.
func (s *TrustStore) PendingChangeRequests(ctx context.Context) ([]*trust.ChangeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*trust.ChangeRequest, len(s.pending))
	for i, req := range s.pending {
		cp := *req
		out[i] = &cp
	}
	return out, nil
}
