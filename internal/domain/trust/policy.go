package trust

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// ResourceLimits caps the resources a plugin at a given trust level may use.
// Limits are advisory for the host; zero means "use the platform default".
type ResourceLimits struct {
	CPUPercent         int   `json:"cpu" yaml:"cpu"`
	MemoryBytes        int64 `json:"memory" yaml:"memory"`
	FileHandles        int   `json:"fileHandles" yaml:"fileHandles"`
	NetworkConnections int   `json:"networkConnections" yaml:"networkConnections"`
}

// AuditLevel selects how much of a plugin's activity is recorded.
type AuditLevel string

const (
	AuditNone     AuditLevel = "none"
	AuditBasic    AuditLevel = "basic"
	AuditDetailed AuditLevel = "detailed"
	AuditFull     AuditLevel = "full"
)

// Policy maps one trust level to its capability grants and limits.
type Policy struct {
	Level               values.TrustLevel `json:"trustLevel" yaml:"trustLevel"`
	AllowedCapabilities []string          `json:"allowedCapabilities" yaml:"allowedCapabilities"`
	DeniedCapabilities  []string          `json:"deniedCapabilities" yaml:"deniedCapabilities"`
	Limits              ResourceLimits    `json:"resourceLimits" yaml:"resourceLimits"`
	RequiresReview      bool              `json:"requiresReview" yaml:"requiresReview"`
	Audit               AuditLevel        `json:"auditLevel" yaml:"auditLevel"`
}

// Allows reports whether the policy grants the named capability.
// A denial always wins over a grant.
func (p *Policy) Allows(capability string) bool {
	for _, denied := range p.DeniedCapabilities {
		if denied == capability {
			return false
		}
	}
	for _, allowed := range p.AllowedCapabilities {
		if allowed == capability || allowed == "*" {
			return true
		}
	}
	return false
}

// Table holds one policy per trust level.
type Table struct {
	policies map[int]*Policy
}

// NewTable builds a table from explicit policies. Every trust level must be
// covered exactly once.
func NewTable(policies []*Policy) (*Table, error) {
	t := &Table{policies: make(map[int]*Policy, len(policies))}
	for _, p := range policies {
		if _, dup := t.policies[p.Level.Rank()]; dup {
			return nil, fmt.Errorf("duplicate policy for trust level %s", p.Level)
		}
		t.policies[p.Level.Rank()] = p
	}
	for _, level := range values.AllTrustLevels() {
		if _, ok := t.policies[level.Rank()]; !ok {
			return nil, fmt.Errorf("missing policy for trust level %s", level)
		}
	}
	return t, nil
}

// DefaultTable returns the built-in policy table. Grants widen monotonically
// with rank; QUARANTINED plugins get nothing.
func DefaultTable() *Table {
	table, err := NewTable([]*Policy{
		{
			Level:              values.TrustQuarantined,
			DeniedCapabilities: []string{"*"},
			Limits:             ResourceLimits{CPUPercent: 0, MemoryBytes: 0},
			RequiresReview:     true,
			Audit:              AuditFull,
		},
		{
			Level:               values.TrustUntrusted,
			AllowedCapabilities: []string{"api.read"},
			DeniedCapabilities:  []string{"filesystem", "filesystem.read", "filesystem.write", "network", "process", "database", "security-audit"},
			Limits:              ResourceLimits{CPUPercent: 10, MemoryBytes: 64 << 20, FileHandles: 8, NetworkConnections: 0},
			RequiresReview:      true,
			Audit:               AuditDetailed,
		},
		{
			Level:               values.TrustCommunity,
			AllowedCapabilities: []string{"api.read", "api.write", "network", "database.read"},
			DeniedCapabilities:  []string{"filesystem.write", "process", "security-audit"},
			Limits:              ResourceLimits{CPUPercent: 25, MemoryBytes: 256 << 20, FileHandles: 32, NetworkConnections: 16},
			Audit:               AuditBasic,
		},
		{
			Level:               values.TrustVerified,
			AllowedCapabilities: []string{"api.read", "api.write", "network", "filesystem", "filesystem.read", "filesystem.write", "database.read", "database.write"},
			DeniedCapabilities:  []string{"process", "security-audit"},
			Limits:              ResourceLimits{CPUPercent: 50, MemoryBytes: 512 << 20, FileHandles: 128, NetworkConnections: 64},
			Audit:               AuditBasic,
		},
		{
			Level:               values.TrustInternal,
			AllowedCapabilities: []string{"*"},
			Limits:              ResourceLimits{CPUPercent: 100, MemoryBytes: 2 << 30, FileHandles: 1024, NetworkConnections: 512},
			Audit:               AuditNone,
		},
	})
	if err != nil {
		panic(err) // built-in table covers every level
	}
	return table
}

// LoadTable reads a policy table from a YAML file, falling back to the
// defaults for any level the file does not override.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy table: %w", err)
	}

	var doc struct {
		Policies []*Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy table: %w", err)
	}

	table := DefaultTable()
	for _, p := range doc.Policies {
		table.policies[p.Level.Rank()] = p
	}
	return table, nil
}

// ForLevel returns the policy for the given trust level.
func (t *Table) ForLevel(level values.TrustLevel) (*Policy, bool) {
	p, ok := t.policies[level.Rank()]
	return p, ok
}

// Catalog is the registry's capability catalog: the closed set of named
// actions a manifest may request.
func Catalog() []values.Capability {
	return []values.Capability{
		{Name: "api.read", Risk: values.RiskLevelLow, Category: values.CategoryAPI},
		{Name: "api.write", Risk: values.RiskLevelMedium, Category: values.CategoryAPI},
		{Name: "network", Risk: values.RiskLevelMedium, Category: values.CategoryNetwork},
		{Name: "filesystem", Risk: values.RiskLevelHigh, Category: values.CategoryFilesystem},
		{Name: "filesystem.read", Risk: values.RiskLevelMedium, Category: values.CategoryFilesystem},
		{Name: "filesystem.write", Risk: values.RiskLevelHigh, Category: values.CategoryFilesystem},
		{Name: "process", Risk: values.RiskLevelCritical, Category: values.CategoryProcess},
		{Name: "database.read", Risk: values.RiskLevelMedium, Category: values.CategoryDatabase},
		{Name: "database.write", Risk: values.RiskLevelHigh, Category: values.CategoryDatabase},
		{Name: "security-audit", Risk: values.RiskLevelCritical, Category: values.CategorySecurity},
	}
}

// LookupCapability finds a catalog entry by name.
func LookupCapability(name string) (values.Capability, bool) {
	for _, c := range Catalog() {
		if c.Name == name {
			return c, true
		}
	}
	return values.Capability{}, false
}
