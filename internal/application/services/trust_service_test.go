package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/memory"
)

func newTrustService(t *testing.T) (*TrustService, *memory.TrustStore, *events.Bus) {
	t.Helper()
	store := memory.NewTrustStore()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	return NewTrustService(store, nil, bus, nil), store, bus
}

func TestTrustService_GetTrustLevel(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTrustService(t)

	t.Run("unassigned plugins default to untrusted", func(t *testing.T) {
		level, err := svc.GetTrustLevel(ctx, "ghost", "")
		require.NoError(t, err)
		assert.True(t, level.Equals(values.TrustUntrusted))
	})

	t.Run("active assignment wins", func(t *testing.T) {
		require.NoError(t, store.Assign(ctx, &trust.Assignment{
			PluginName: "auth",
			Level:      values.TrustVerified,
			AssignedBy: "reviewer",
		}))
		level, err := svc.GetTrustLevel(ctx, "auth", "1.0.0")
		require.NoError(t, err)
		assert.True(t, level.Equals(values.TrustVerified))
	})

	t.Run("expired assignment falls back to untrusted", func(t *testing.T) {
		lapsed := time.Now().Add(-time.Hour)
		require.NoError(t, store.Assign(ctx, &trust.Assignment{
			PluginName: "stale",
			Level:      values.TrustInternal,
			AssignedBy: "reviewer",
			ValidUntil: &lapsed,
		}))
		level, err := svc.GetTrustLevel(ctx, "stale", "")
		require.NoError(t, err)
		assert.True(t, level.Equals(values.TrustUntrusted))
	})
}

func TestTrustService_CanPerformCapability(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTrustService(t)

	require.NoError(t, store.Assign(ctx, &trust.Assignment{
		PluginName: "auth",
		Level:      values.TrustCommunity,
		AssignedBy: "reviewer",
	}))

	allowed, reason, err := svc.CanPerformCapability(ctx, "auth", "api.read", "")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Contains(t, reason, "allowed")

	allowed, reason, err = svc.CanPerformCapability(ctx, "auth", "process", "")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "denied")

	// Unassigned plugin is evaluated at the untrusted baseline.
	allowed, _, err = svc.CanPerformCapability(ctx, "ghost", "filesystem", "")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTrustService_AssignEmitsEvent(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTrustService(t)

	sub := bus.Subscribe(events.KindTrustAssigned)
	defer sub.Close()

	require.NoError(t, svc.AssignTrustLevel(ctx, &trust.Assignment{
		PluginName: "auth",
		Level:      values.TrustVerified,
		AssignedBy: "reviewer",
	}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "auth", ev.PluginName)
		assert.Equal(t, "VERIFIED", ev.Data["trustLevel"])
	case <-time.After(time.Second):
		t.Fatal("assignment event not published")
	}
}

func TestTrustService_RequestChange(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTrustService(t)

	t.Run("single-step change is applied immediately", func(t *testing.T) {
		applied, err := svc.RequestChange(ctx, &trust.ChangeRequest{
			PluginName:     "auth",
			CurrentLevel:   values.TrustUntrusted,
			RequestedLevel: values.TrustCommunity,
			RequestedBy:    "ops",
			Justification:  "clean audit",
		})
		require.NoError(t, err)
		assert.True(t, applied)

		level, err := svc.GetTrustLevel(ctx, "auth", "")
		require.NoError(t, err)
		assert.True(t, level.Equals(values.TrustCommunity))
	})

	t.Run("large jump is queued for review", func(t *testing.T) {
		applied, err := svc.RequestChange(ctx, &trust.ChangeRequest{
			PluginName:     "cache",
			CurrentLevel:   values.TrustUntrusted,
			RequestedLevel: values.TrustInternal,
			RequestedBy:    "ops",
			Justification:  "internal rollout",
		})
		require.NoError(t, err)
		assert.False(t, applied)

		// The effective level is unchanged until a reviewer acts.
		level, err := svc.GetTrustLevel(ctx, "cache", "")
		require.NoError(t, err)
		assert.True(t, level.Equals(values.TrustUntrusted))

		pending, err := store.PendingChangeRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "cache", pending[0].PluginName)
	})
}

func TestTrustService_ValidateAgainstPolicy(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTrustService(t)

	t.Run("denied capability is a violation with catalog severity", func(t *testing.T) {
		m := &manifest.Manifest{
			Name:        "fs-plugin",
			Version:     "1.0.0",
			EntryPoint:  "FsPlugin",
			Permissions: &manifest.Permissions{Services: []string{"filesystem"}},
		}
		report, err := svc.ValidateAgainstPolicy(ctx, "fs-plugin", m, "1.0.0")
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		require.Len(t, report.Violations, 1)
		assert.Equal(t, "filesystem", report.Violations[0].Capability)
		assert.Equal(t, values.RiskLevelHigh, report.Violations[0].Severity)
	})

	t.Run("routes imply api capabilities", func(t *testing.T) {
		require.NoError(t, store.Assign(ctx, &trust.Assignment{
			PluginName: "web",
			Level:      values.TrustCommunity,
			AssignedBy: "reviewer",
		}))
		m := &manifest.Manifest{
			Name:       "web",
			Version:    "1.0.0",
			EntryPoint: "Web",
			Routes:     []string{"/api/v1/web"},
		}
		report, err := svc.ValidateAgainstPolicy(ctx, "web", m, "1.0.0")
		require.NoError(t, err)
		assert.True(t, report.IsValid, "violations: %v", report.Violations)
	})

	t.Run("unknown capability needs review", func(t *testing.T) {
		m := &manifest.Manifest{
			Name:        "odd",
			Version:     "1.0.0",
			EntryPoint:  "Odd",
			Permissions: &manifest.Permissions{Services: []string{"teleportation"}},
		}
		report, err := svc.ValidateAgainstPolicy(ctx, "odd", m, "1.0.0")
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		require.NotEmpty(t, report.RequiredActions)
		assert.Contains(t, report.RequiredActions[0], "teleportation")
	})
}

func TestTrustService_RecordViolation(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTrustService(t)

	sub := bus.Subscribe(events.KindViolationRecorded)
	defer sub.Close()

	require.NoError(t, svc.RecordViolation(ctx, &trust.Violation{
		PluginName:  "auth",
		Capability:  "process",
		Severity:    values.RiskLevelCritical,
		Action:      trust.ActionQuarantine,
		Description: "spawned a child process",
	}))

	ledger, err := svc.ListViolations(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, ledger, 1)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "process", ev.Data["capability"])
	case <-time.After(time.Second):
		t.Fatal("violation event not published")
	}
}
