// Package services holds pure domain services with no infrastructure
// dependencies: version compatibility analysis and load-order resolution.
package services

import (
	"fmt"

	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// CompatibilityReport is the outcome of comparing two versions of a plugin.
type CompatibilityReport struct {
	IsCompatible      bool     `json:"isCompatible"`
	BreakingChanges   []string `json:"breakingChanges"`
	Issues            []string `json:"issues"`
	MigrationRequired bool     `json:"migrationRequired"`
}

// CompatibilityAnalyzer compares plugin versions for upgrade safety.
type CompatibilityAnalyzer struct{}

// NewCompatibilityAnalyzer creates a compatibility analyzer service.
func NewCompatibilityAnalyzer() *CompatibilityAnalyzer {
	return &CompatibilityAnalyzer{}
}

// Analyze compares two version rows of the same plugin.
//
// Rules:
//   - a semver major change is breaking
//   - removed dependencies are breaking; added dependencies require migration
//   - removed exported symbols are breaking
func (a *CompatibilityAnalyzer) Analyze(from, to *entities.PluginVersionRecord) (*CompatibilityReport, error) {
	if from.PluginName != to.PluginName {
		return nil, fmt.Errorf("cannot compare versions of different plugins: %s vs %s", from.PluginName, to.PluginName)
	}

	report := &CompatibilityReport{IsCompatible: true}

	fromVer, errFrom := values.NewVersion(from.Version)
	toVer, errTo := values.NewVersion(to.Version)
	switch {
	case errFrom != nil || errTo != nil:
		report.Issues = append(report.Issues, "one of the versions is not semver; major-change analysis skipped")
	case fromVer.Major() != toVer.Major():
		report.BreakingChanges = append(report.BreakingChanges,
			fmt.Sprintf("major version change %d -> %d", fromVer.Major(), toVer.Major()))
	}

	removedDeps, addedDeps := diffSets(from.Dependencies, to.Dependencies)
	for _, dep := range removedDeps {
		report.BreakingChanges = append(report.BreakingChanges, fmt.Sprintf("dependency removed: %s", dep))
	}
	for _, dep := range addedDeps {
		report.Issues = append(report.Issues, fmt.Sprintf("dependency added: %s", dep))
		report.MigrationRequired = true
	}

	removedExports, _ := diffSets(from.Exports, to.Exports)
	for _, sym := range removedExports {
		report.BreakingChanges = append(report.BreakingChanges, fmt.Sprintf("exported symbol removed: %s", sym))
	}

	if len(report.BreakingChanges) > 0 {
		report.IsCompatible = false
	}
	return report, nil
}

// diffSets returns the elements only in a (removed) and only in b (added),
// preserving input order.
func diffSets(a, b []string) (removed, added []string) {
	inA := make(map[string]bool, len(a))
	inB := make(map[string]bool, len(b))
	for _, s := range a {
		inA[s] = true
	}
	for _, s := range b {
		inB[s] = true
	}
	for _, s := range a {
		if !inB[s] {
			removed = append(removed, s)
		}
	}
	for _, s := range b {
		if !inA[s] {
			added = append(added, s)
		}
	}
	return removed, added
}
