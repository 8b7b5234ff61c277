// Package services holds the application services orchestrating the
// registry use cases over the ports: trust management, bundle ingestion,
// and version lifecycle.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
)

// defaultAutoApplyGap is the largest rank distance a trust change may move
// without human review.
const defaultAutoApplyGap = 1

// PolicyViolation is one capability the manifest requests but the effective
// policy denies.
type PolicyViolation struct {
	Capability string           `json:"capability"`
	Severity   values.RiskLevel `json:"severity"`
	Reason     string           `json:"reason"`
}

// PolicyReport is the outcome of validating a manifest against the trust
// policy in force for the plugin.
type PolicyReport struct {
	IsValid         bool              `json:"isValid"`
	TrustLevel      values.TrustLevel `json:"trustLevel"`
	Violations      []PolicyViolation `json:"violations,omitempty"`
	RequiredActions []string          `json:"requiredActions,omitempty"`
}

// TrustService is the trust and capability engine: it resolves effective
// trust levels, evaluates capability grants against the policy table, and
// maintains the assignment history and violation ledger.
type TrustService struct {
	store        ports.TrustStore
	table        *trust.Table
	bus          ports.EventBus
	logger       *slog.Logger
	autoApplyGap int
	now          func() time.Time
}

// NewTrustService creates the trust engine over a trust store and policy
// table.
func NewTrustService(store ports.TrustStore, table *trust.Table, bus ports.EventBus, logger *slog.Logger) *TrustService {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = trust.DefaultTable()
	}
	return &TrustService{
		store:        store,
		table:        table,
		bus:          bus,
		logger:       logger,
		autoApplyGap: defaultAutoApplyGap,
		now:          time.Now,
	}
}

// GetTrustLevel resolves the effective trust level: the active assignment
// for (name, version), falling back to the plugin-wide assignment, falling
// back to UNTRUSTED. Expired assignments do not count.
func (s *TrustService) GetTrustLevel(ctx context.Context, name, version string) (values.TrustLevel, error) {
	assignment, err := s.store.ActiveAssignment(ctx, name, version)
	if err != nil {
		var notFound *apperrors.NotFoundError
		if errors.As(err, &notFound) {
			return values.TrustUntrusted, nil
		}
		return values.TrustLevel{}, err
	}
	if assignment.Expired(s.now()) {
		s.logger.Debug("trust assignment expired, falling back to default",
			"plugin", name, "assignedLevel", assignment.Level.String())
		return values.TrustUntrusted, nil
	}
	return assignment.Level, nil
}

// CanPerformCapability reports whether the plugin's effective policy grants
// the capability, with a human-readable reason.
func (s *TrustService) CanPerformCapability(ctx context.Context, name, capability, version string) (bool, string, error) {
	level, err := s.GetTrustLevel(ctx, name, version)
	if err != nil {
		return false, "", err
	}
	policy, ok := s.table.ForLevel(level)
	if !ok {
		return false, fmt.Sprintf("no policy for trust level %s", level), nil
	}
	if !policy.Allows(capability) {
		return false, fmt.Sprintf("capability %q denied at trust level %s", capability, level), nil
	}
	return true, fmt.Sprintf("capability %q allowed at trust level %s", capability, level), nil
}

// AssignTrustLevel records a new active assignment, superseding the prior
// one for the same scope, and emits the assignment event.
func (s *TrustService) AssignTrustLevel(ctx context.Context, assignment *trust.Assignment) error {
	if err := s.store.Assign(ctx, assignment); err != nil {
		return err
	}
	s.logger.Info("trust level assigned",
		"plugin", assignment.PluginName,
		"version", assignment.Version,
		"level", assignment.Level.String(),
		"assignedBy", assignment.AssignedBy)
	s.bus.Publish(ports.Event{
		Kind:       events.KindTrustAssigned,
		PluginName: assignment.PluginName,
		Data: map[string]any{
			"version":    assignment.Version,
			"trustLevel": assignment.Level.String(),
			"assignedBy": assignment.AssignedBy,
		},
	})
	return nil
}

// ValidateAgainstPolicy checks every capability the manifest implies against
// the policy in force for the plugin's effective trust level.
func (s *TrustService) ValidateAgainstPolicy(ctx context.Context, name string, m *manifest.Manifest, version string) (*PolicyReport, error) {
	level, err := s.GetTrustLevel(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return s.validateAtLevel(level, m), nil
}

// validateAtLevel evaluates the manifest's implied capabilities against the
// policy for a concrete level. Split out so ingestion can validate against
// the freshly derived level before the assignment is visible to readers.
func (s *TrustService) validateAtLevel(level values.TrustLevel, m *manifest.Manifest) *PolicyReport {
	report := &PolicyReport{IsValid: true, TrustLevel: level}

	policy, ok := s.table.ForLevel(level)
	if !ok {
		report.IsValid = false
		report.Violations = append(report.Violations, PolicyViolation{
			Severity: values.RiskLevelCritical,
			Reason:   fmt.Sprintf("no policy defined for trust level %s", level),
		})
		return report
	}

	for _, capability := range impliedCapabilities(m) {
		if policy.Allows(capability) {
			continue
		}
		severity := values.RiskLevelMedium
		if known, ok := trust.LookupCapability(capability); ok {
			severity = known.Risk
		} else {
			report.RequiredActions = append(report.RequiredActions,
				fmt.Sprintf("review unknown capability %q", capability))
		}
		report.IsValid = false
		report.Violations = append(report.Violations, PolicyViolation{
			Capability: capability,
			Severity:   severity,
			Reason:     fmt.Sprintf("capability %q denied at trust level %s", capability, level),
		})
	}

	if policy.RequiresReview {
		report.RequiredActions = append(report.RequiredActions,
			fmt.Sprintf("manual review required at trust level %s", level))
	}
	return report
}

// RecordViolation appends to the violation ledger and emits the violation
// event.
func (s *TrustService) RecordViolation(ctx context.Context, violation *trust.Violation) error {
	if err := s.store.RecordViolation(ctx, violation); err != nil {
		return err
	}
	s.logger.Warn("trust violation recorded",
		"plugin", violation.PluginName,
		"capability", violation.Capability,
		"severity", violation.Severity.String(),
		"action", string(violation.Action))
	s.bus.Publish(ports.Event{
		Kind:       events.KindViolationRecorded,
		PluginName: violation.PluginName,
		Data: map[string]any{
			"capability": violation.Capability,
			"severity":   violation.Severity.String(),
			"action":     string(violation.Action),
		},
	})
	return nil
}

// RequestChange applies a trust change directly when the rank distance is
// within the auto-apply gap; larger moves are queued for review.
func (s *TrustService) RequestChange(ctx context.Context, req *trust.ChangeRequest) (applied bool, err error) {
	gap := req.RequestedLevel.Rank() - req.CurrentLevel.Rank()
	if gap < 0 {
		gap = -gap
	}
	if gap <= s.autoApplyGap {
		assignment := &trust.Assignment{
			PluginName: req.PluginName,
			Version:    req.Version,
			Level:      req.RequestedLevel,
			AssignedBy: req.RequestedBy,
			Reason:     req.Justification,
		}
		if err := s.AssignTrustLevel(ctx, assignment); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := s.store.EnqueueChangeRequest(ctx, req); err != nil {
		return false, err
	}
	s.logger.Info("trust change queued for review",
		"plugin", req.PluginName,
		"from", req.CurrentLevel.String(),
		"to", req.RequestedLevel.String())
	return false, nil
}

// ListAssignments exposes the assignment history.
func (s *TrustService) ListAssignments(ctx context.Context, name string) ([]*trust.Assignment, error) {
	return s.store.ListAssignments(ctx, name)
}

// ListViolations exposes the violation ledger.
func (s *TrustService) ListViolations(ctx context.Context, name string) ([]*trust.Violation, error) {
	return s.store.ListViolations(ctx, name)
}

// PolicyFor returns the policy table entry for a level.
func (s *TrustService) PolicyFor(level values.TrustLevel) (*trust.Policy, bool) {
	return s.table.ForLevel(level)
}

// impliedCapabilities derives the capability set a manifest requests:
// declared permissions verbatim, plus api.read/api.write implied by
// registered routes.
func impliedCapabilities(m *manifest.Manifest) []string {
	seen := make(map[string]bool)
	var caps []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	for _, p := range m.RequestedPermissions() {
		add(p)
	}
	if len(m.Routes) > 0 {
		add("api.read")
		add("api.write")
	}
	return caps
}
