// Package values defines validated value objects shared across the registry
// and the host: plugin names, trust levels, capabilities, checksums.
package values

import (
	"fmt"
	"strings"
)

// RiskLevel represents the security risk carried by a capability.
type RiskLevel int

const (
	// RiskLevelLow represents minimal security risk (narrow, specific permissions).
	RiskLevelLow RiskLevel = iota
	// RiskLevelMedium represents moderate security risk (network access, read-only sensitive data).
	RiskLevelMedium
	// RiskLevelHigh represents high security risk (broad permissions, host resource access).
	RiskLevelHigh
	// RiskLevelCritical represents critical security risk (process control, security subsystems).
	RiskLevelCritical
)

// String returns a human-readable representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLevelLow:
		return "low"
	case RiskLevelMedium:
		return "medium"
	case RiskLevelHigh:
		return "high"
	case RiskLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// NewRiskLevel parses a risk level from its string form.
func NewRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLevelLow, nil
	case "medium":
		return RiskLevelMedium, nil
	case "high":
		return RiskLevelHigh, nil
	case "critical":
		return RiskLevelCritical, nil
	default:
		return RiskLevelLow, fmt.Errorf("invalid risk level: %s", s)
	}
}

// CapabilityCategory groups capabilities by the subsystem they touch.
type CapabilityCategory string

const (
	CategoryNetwork    CapabilityCategory = "network"
	CategoryFilesystem CapabilityCategory = "filesystem"
	CategoryProcess    CapabilityCategory = "process"
	CategoryDatabase   CapabilityCategory = "database"
	CategoryAPI        CapabilityCategory = "api"
	CategorySecurity   CapabilityCategory = "security"
)

// Capability represents a named action a plugin may perform.
// This is a pure value object in the domain.
type Capability struct {
	Name     string             `json:"name"`
	Risk     RiskLevel          `json:"riskLevel"`
	Category CapabilityCategory `json:"category"`
}

// Equals checks if two capabilities name the same action (value object equality).
func (c Capability) Equals(other Capability) bool {
	return c.Name == other.Name
}

// String returns a human-readable representation of the capability.
func (c Capability) String() string {
	return c.Name
}

// IsEmpty returns true if this is a zero-value capability.
func (c Capability) IsEmpty() bool {
	return c.Name == ""
}
