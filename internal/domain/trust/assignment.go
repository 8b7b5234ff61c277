// Package trust defines the trust model: per-plugin trust assignments with
// supporting evidence, the policy table keyed by trust level, and the
// violation ledger entries.
package trust

import (
	"fmt"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// EvidenceType classifies a piece of trust evidence.
type EvidenceType string

const (
	EvidenceSignature EvidenceType = "signature"
	EvidenceAudit     EvidenceType = "audit"
	EvidenceBehavior  EvidenceType = "behavior"
)

// Evidence is a typed record supporting a trust assignment.
type Evidence struct {
	Type        EvidenceType `json:"type"`
	Score       int          `json:"score"` // 0-100
	Description string       `json:"description,omitempty"`
	RecordedAt  time.Time    `json:"recordedAt"`
}

// Validate checks evidence invariants.
func (e Evidence) Validate() error {
	switch e.Type {
	case EvidenceSignature, EvidenceAudit, EvidenceBehavior:
	default:
		return fmt.Errorf("invalid evidence type: %s", e.Type)
	}
	if e.Score < 0 || e.Score > 100 {
		return fmt.Errorf("evidence score %d out of range [0,100]", e.Score)
	}
	return nil
}

// Assignment binds a trust level to a plugin, optionally scoped to one
// version. Assignments are append-only; superseded rows keep IsActive=false
// for audit.
type Assignment struct {
	PluginName     string            `json:"pluginName"`
	Version        string            `json:"version,omitempty"` // empty = all versions
	Level          values.TrustLevel `json:"trustLevel"`
	AssignedBy     string            `json:"assignedBy"`
	AssignedAt     time.Time         `json:"assignedAt"`
	Reason         string            `json:"reason"`
	Evidence       []Evidence        `json:"evidence,omitempty"`
	ValidUntil     *time.Time        `json:"validUntil,omitempty"`
	ReviewRequired bool              `json:"reviewRequired"`
	IsActive       bool              `json:"isActive"`
}

// Validate checks assignment invariants.
func (a *Assignment) Validate() error {
	if a.PluginName == "" {
		return fmt.Errorf("assignment requires a plugin name")
	}
	if a.AssignedBy == "" {
		return fmt.Errorf("assignment requires an assigner")
	}
	for i, ev := range a.Evidence {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("evidence %d: %w", i, err)
		}
	}
	return nil
}

// Expired reports whether the assignment has lapsed at the given instant.
func (a *Assignment) Expired(now time.Time) bool {
	return a.ValidUntil != nil && now.After(*a.ValidUntil)
}

// Key identifies the (pluginName, version?) scope of the assignment.
func (a *Assignment) Key() string {
	if a.Version == "" {
		return a.PluginName
	}
	return a.PluginName + "@" + a.Version
}

// ViolationAction is the enforcement action recorded with a violation.
type ViolationAction string

const (
	ActionWarn       ViolationAction = "warn"
	ActionRestrict   ViolationAction = "restrict"
	ActionQuarantine ViolationAction = "quarantine"
	ActionRemove     ViolationAction = "remove"
)

// Violation is an entry in the trust violation ledger.
type Violation struct {
	ID          string            `json:"id"`
	PluginName  string            `json:"pluginName"`
	Version     string            `json:"version,omitempty"`
	Capability  string            `json:"capability,omitempty"`
	Severity    values.RiskLevel  `json:"severity"`
	Action      ViolationAction   `json:"action"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	RecordedAt  time.Time         `json:"recordedAt"`
}

// Validate checks violation invariants.
func (v *Violation) Validate() error {
	if v.PluginName == "" {
		return fmt.Errorf("violation requires a plugin name")
	}
	switch v.Action {
	case ActionWarn, ActionRestrict, ActionQuarantine, ActionRemove:
	default:
		return fmt.Errorf("invalid violation action: %s", v.Action)
	}
	return nil
}

// ChangeRequest asks for a trust level change that exceeds the auto-apply
// gap and therefore needs human review.
type ChangeRequest struct {
	ID             string            `json:"id"`
	PluginName     string            `json:"pluginName"`
	Version        string            `json:"version,omitempty"`
	CurrentLevel   values.TrustLevel `json:"currentLevel"`
	RequestedLevel values.TrustLevel `json:"requestedLevel"`
	RequestedBy    string            `json:"requestedBy"`
	Justification  string            `json:"justification"`
	SubmittedAt    time.Time         `json:"submittedAt"`
}
