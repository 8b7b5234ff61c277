package trust

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

func TestPolicy_Allows(t *testing.T) {
	p := &Policy{
		AllowedCapabilities: []string{"api.read", "network"},
		DeniedCapabilities:  []string{"network"},
	}
	assert.True(t, p.Allows("api.read"))
	assert.False(t, p.Allows("network"), "denial wins over grant")
	assert.False(t, p.Allows("filesystem"))

	wildcard := &Policy{AllowedCapabilities: []string{"*"}, DeniedCapabilities: []string{"process"}}
	assert.True(t, wildcard.Allows("anything"))
	assert.False(t, wildcard.Allows("process"))
}

func TestNewTable_RequiresEveryLevel(t *testing.T) {
	_, err := NewTable([]*Policy{{Level: values.TrustInternal}})
	assert.Error(t, err)

	policies := make([]*Policy, 0, 5)
	for _, level := range values.AllTrustLevels() {
		policies = append(policies, &Policy{Level: level})
	}
	_, err = NewTable(policies)
	assert.NoError(t, err)

	policies = append(policies, &Policy{Level: values.TrustInternal})
	_, err = NewTable(policies)
	assert.Error(t, err, "duplicate level must be rejected")
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()

	quarantined, ok := table.ForLevel(values.TrustQuarantined)
	require.True(t, ok)
	assert.False(t, quarantined.Allows("api.read"))

	untrusted, ok := table.ForLevel(values.TrustUntrusted)
	require.True(t, ok)
	assert.True(t, untrusted.Allows("api.read"))
	assert.False(t, untrusted.Allows("filesystem"))

	internal, ok := table.ForLevel(values.TrustInternal)
	require.True(t, ok)
	assert.True(t, internal.Allows("process"))
}

func TestLoadTable_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	doc := `policies:
  - trustLevel: COMMUNITY
    allowedCapabilities: ["api.read"]
    deniedCapabilities: ["network"]
    auditLevel: full
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)

	community, ok := table.ForLevel(values.TrustCommunity)
	require.True(t, ok)
	assert.False(t, community.Allows("network"))
	assert.Equal(t, AuditFull, community.Audit)

	// Untouched levels keep the defaults.
	verified, ok := table.ForLevel(values.TrustVerified)
	require.True(t, ok)
	assert.True(t, verified.Allows("filesystem"))
}

func TestLookupCapability(t *testing.T) {
	cap, ok := LookupCapability("filesystem")
	require.True(t, ok)
	assert.Equal(t, values.RiskLevelHigh, cap.Risk)

	_, ok = LookupCapability("teleport")
	assert.False(t, ok)
}

func TestAssignment_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	a := &Assignment{PluginName: "p", AssignedBy: "tester"}
	assert.False(t, a.Expired(now))

	a.ValidUntil = &future
	assert.False(t, a.Expired(now))

	a.ValidUntil = &past
	assert.True(t, a.Expired(now))
}

func TestAssignment_Key(t *testing.T) {
	assert.Equal(t, "auth", (&Assignment{PluginName: "auth"}).Key())
	assert.Equal(t, "auth@1.0.0", (&Assignment{PluginName: "auth", Version: "1.0.0"}).Key())
}

func TestEvidence_Validate(t *testing.T) {
	valid := Evidence{Type: EvidenceSignature, Score: 85}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Evidence{Type: "vibes", Score: 50}.Validate())
	assert.Error(t, Evidence{Type: EvidenceAudit, Score: 101}.Validate())
}
