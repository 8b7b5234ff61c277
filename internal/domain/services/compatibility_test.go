package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
)

func versionRow(name, version string, deps, exports []string) *entities.PluginVersionRecord {
	return &entities.PluginVersionRecord{
		PluginName:   name,
		Version:      version,
		Status:       entities.StatusActive,
		Dependencies: deps,
		Exports:      exports,
	}
}

func TestCompatibilityAnalyzer_Analyze(t *testing.T) {
	a := NewCompatibilityAnalyzer()

	t.Run("patch upgrade is compatible", func(t *testing.T) {
		report, err := a.Analyze(
			versionRow("auth", "1.0.0", []string{"cache"}, []string{"AuthService"}),
			versionRow("auth", "1.0.1", []string{"cache"}, []string{"AuthService"}))
		require.NoError(t, err)
		assert.True(t, report.IsCompatible)
		assert.Empty(t, report.BreakingChanges)
		assert.False(t, report.MigrationRequired)
	})

	t.Run("major change is breaking", func(t *testing.T) {
		report, err := a.Analyze(
			versionRow("auth", "1.4.2", nil, nil),
			versionRow("auth", "2.0.0", nil, nil))
		require.NoError(t, err)
		assert.False(t, report.IsCompatible)
		require.Len(t, report.BreakingChanges, 1)
		assert.Contains(t, report.BreakingChanges[0], "major version change 1 -> 2")
	})

	t.Run("removed dependency is breaking, added requires migration", func(t *testing.T) {
		report, err := a.Analyze(
			versionRow("auth", "1.0.0", []string{"cache", "db"}, nil),
			versionRow("auth", "1.1.0", []string{"cache", "queue"}, nil))
		require.NoError(t, err)
		assert.False(t, report.IsCompatible)
		assert.Contains(t, report.BreakingChanges, "dependency removed: db")
		assert.Contains(t, report.Issues, "dependency added: queue")
		assert.True(t, report.MigrationRequired)
	})

	t.Run("removed export is breaking", func(t *testing.T) {
		report, err := a.Analyze(
			versionRow("auth", "1.0.0", nil, []string{"AuthService", "TokenStore"}),
			versionRow("auth", "1.1.0", nil, []string{"AuthService"}))
		require.NoError(t, err)
		assert.False(t, report.IsCompatible)
		assert.Contains(t, report.BreakingChanges, "exported symbol removed: TokenStore")
	})

	t.Run("non-semver versions skip major analysis", func(t *testing.T) {
		report, err := a.Analyze(
			versionRow("auth", "snapshot", nil, nil),
			versionRow("auth", "1.0.0", nil, nil))
		require.NoError(t, err)
		assert.True(t, report.IsCompatible)
		require.Len(t, report.Issues, 1)
		assert.Contains(t, report.Issues[0], "not semver")
	})

	t.Run("different plugins are rejected", func(t *testing.T) {
		_, err := a.Analyze(
			versionRow("auth", "1.0.0", nil, nil),
			versionRow("cache", "1.0.0", nil, nil))
		assert.Error(t, err)
	})
}
