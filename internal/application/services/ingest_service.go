package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/optimize"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/signature"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/validation"
)

// minSavingsPercent is the optimization acceptance threshold: the optimized
// buffer replaces the original only above this saving.
const minSavingsPercent = 5.0

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	MaxFileSize        int64
	EnableOptimization bool
}

// DefaultIngestConfig returns the standard pipeline settings.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		MaxFileSize:        50 << 20,
		EnableOptimization: true,
	}
}

// UploadOptions carry per-request ingestion choices.
type UploadOptions struct {
	MakeActive bool
	UserAgent  string
	IPAddress  string
}

// UploadResult is the outcome of a successful ingestion.
type UploadResult struct {
	Record       *entities.PluginRecord        `json:"metadata"`
	Version      *entities.PluginVersionRecord `json:"version"`
	TrustLevel   values.TrustLevel             `json:"trustLevel"`
	Warnings     []string                      `json:"warnings,omitempty"`
	Optimization *optimize.Result              `json:"optimization,omitempty"`
}

// IngestService is the ingestion orchestrator: it runs a bundle through
// validation, signature verification, trust derivation, policy enforcement,
// optimization, and the ordered storage writes. Writes for the same
// (name, version) are serialized; independent uploads run in parallel.
type IngestService struct {
	cfg       IngestConfig
	validator *validation.BundleValidator
	verifier  *signature.Verifier
	optimizer *optimize.Optimizer
	blobs     ports.BlobStore
	plugins   ports.PluginRepository
	lifecycle *LifecycleService
	trust     *TrustService
	bus       ports.EventBus
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// NewIngestService wires the ingestion orchestrator.
func NewIngestService(
	cfg IngestConfig,
	validator *validation.BundleValidator,
	verifier *signature.Verifier,
	optimizer *optimize.Optimizer,
	blobs ports.BlobStore,
	plugins ports.PluginRepository,
	lifecycle *LifecycleService,
	trustSvc *TrustService,
	bus ports.EventBus,
	logger *slog.Logger,
) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultIngestConfig().MaxFileSize
	}
	return &IngestService{
		cfg:       cfg,
		validator: validator,
		verifier:  verifier,
		optimizer: optimizer,
		blobs:     blobs,
		plugins:   plugins,
		lifecycle: lifecycle,
		trust:     trustSvc,
		bus:       bus,
		logger:    logger,
		inFlight:  make(map[string]*sync.Mutex),
	}
}

// Upload ingests one bundle.
func (s *IngestService) Upload(ctx context.Context, data []byte, opts UploadOptions) (*UploadResult, error) {
	// 1. Size gate before any work.
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, apperrors.NewUploadError(
			fmt.Sprintf("bundle size %d exceeds the limit of %d bytes", len(data), s.cfg.MaxFileSize))
	}

	// 2. Content digest.
	digest := values.ComputeChecksum(data).String()

	// 3. Manifest extraction and validation.
	s.phase(ctx, "", "manifest")
	m, verdict := s.validator.ValidateManifest(digest, data)
	if !verdict.IsValid {
		return nil, apperrors.NewPluginValidationError("manifest validation failed", verdict.Errors...)
	}
	warnings := append([]string(nil), verdict.Warnings...)

	// Serialize per (name, version); concurrent identical uploads queue here
	// and the loser sees the conflict.
	unlock := s.lock(m.Name + "@" + m.Version)
	defer unlock()

	// 4. Duplicate check.
	if _, err := s.lifecycle.versions.Get(ctx, m.Name, m.Version); err == nil {
		return nil, apperrors.NewConflictError(m.Name, m.Version, "plugin version already exists")
	} else {
		var notFound *apperrors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// 5. Archive structure.
	s.phase(ctx, m.Name, "structure")
	if v := s.validator.ValidateStructure(digest, data); !v.IsValid {
		return nil, apperrors.NewPluginValidationError("bundle structure validation failed", v.Errors...)
	} else {
		warnings = append(warnings, v.Warnings...)
	}

	// 6. Static security scan.
	s.phase(ctx, m.Name, "security")
	if v := s.validator.ValidateSecurity(digest, data); !v.IsValid {
		return nil, apperrors.NewPluginValidationError("bundle security scan failed", v.Errors...)
	} else {
		warnings = append(warnings, v.Warnings...)
	}

	// 7. Signature verification derives the initial trust level.
	s.phase(ctx, m.Name, "signature")
	sigResult := s.verifier.Verify(data, m)
	if !sigResult.IsValid {
		return nil, apperrors.NewSecurityError(m.Name, "signature verification failed", sigResult.Errors...)
	}
	warnings = append(warnings, sigResult.Warnings...)

	// 8. Initial trust assignment with the signature outcome as evidence.
	if err := s.assignInitialTrust(ctx, m, sigResult); err != nil {
		return nil, err
	}

	// 9. Policy enforcement at the derived level.
	s.phase(ctx, m.Name, "policy")
	report := s.trust.validateAtLevel(sigResult.TrustLevel, m)
	if !report.IsValid {
		if err := s.recordPolicyViolations(ctx, m, report); err != nil {
			s.logger.Error("failed to record policy violation", "plugin", m.Name, "error", err)
		}
		var denied []string
		for _, v := range report.Violations {
			denied = append(denied, v.Reason)
		}
		return nil, apperrors.NewSecurityError(m.Name, "manifest violates the trust policy", denied...)
	}

	// 10. Optimization: substitute only above the savings threshold, then
	// the stored bytes, size, and checksum all describe the same buffer.
	var optResult *optimize.Result
	if s.cfg.EnableOptimization && s.optimizer != nil {
		s.phase(ctx, m.Name, "optimize")
		res, err := s.optimizer.Optimize(data)
		switch {
		case err != nil:
			s.logger.Warn("bundle optimization failed, storing original", "plugin", m.Name, "error", err)
		case res.SavingsPercent > minSavingsPercent:
			data = res.Data
			digest = values.ComputeChecksum(data).String()
			optResult = res
		default:
			s.logger.Debug("optimization below threshold, storing original",
				"plugin", m.Name, "savingsPercent", res.SavingsPercent)
		}
	}

	// 11. Ordered writes: blob, primary record, version row. Failures unwind
	// the completed steps in reverse.
	result, err := s.store(ctx, m, data, digest, opts)
	if err != nil {
		return nil, err
	}

	// 12. Aggregate verdict and the stored event.
	s.validator.RecordFull(digest, validation.Valid(warnings...))
	s.bus.Publish(ports.Event{
		Kind:       events.KindPluginStored,
		PluginName: m.Name,
		Data: map[string]any{
			"version":  m.Version,
			"checksum": digest,
			"size":     len(data),
		},
	})

	result.TrustLevel = sigResult.TrustLevel
	result.Warnings = warnings
	result.Optimization = optResult
	s.logger.Info("plugin stored",
		"plugin", m.Name, "version", m.Version, "checksum", digest,
		"trustLevel", sigResult.TrustLevel.String())
	return result, nil
}

// store performs the ordered storage writes with reverse cleanup.
func (s *IngestService) store(ctx context.Context, m *manifest.Manifest, data []byte, digest string, opts UploadOptions) (*UploadResult, error) {
	s.phase(ctx, m.Name, "store")

	manifestJSON, err := m.Serialize()
	if err != nil {
		return nil, apperrors.NewPluginValidationError("manifest serialization failed", err.Error())
	}

	pluginExisted := true
	if _, err := s.plugins.GetByChecksum(ctx, digest); err == nil {
		return nil, apperrors.NewConflictError(m.Name, m.Version, "identical bundle already stored")
	}
	if _, err := s.plugins.GetByName(ctx, m.Name); err != nil {
		var notFound *apperrors.NotFoundError
		if errors.As(err, &notFound) {
			pluginExisted = false
		} else {
			return nil, err
		}
	}

	path, err := s.blobs.Write(ctx, m.Name, m.Version, data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := &entities.PluginRecord{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Author:       m.Author,
		License:      m.License,
		Manifest:     string(manifestJSON),
		FilePath:     path,
		FileSize:     int64(len(data)),
		Checksum:     digest,
		UploadDate:   now,
		Status:       entities.StatusActive,
		Dependencies: m.Dependencies,
	}
	saved, err := s.plugins.Save(ctx, record)
	if err != nil {
		s.cleanupBlob(ctx, m.Name, m.Version)
		return nil, err
	}

	version := &entities.PluginVersionRecord{
		PluginName:   m.Name,
		Version:      m.Version,
		Status:       entities.StatusActive,
		Description:  m.Description,
		Author:       m.Author,
		License:      m.License,
		Manifest:     string(manifestJSON),
		FilePath:     path,
		FileSize:     int64(len(data)),
		Checksum:     digest,
		UploadDate:   now,
		Dependencies: m.Dependencies,
		Exports:      m.ExportedSymbols(),
	}
	storedVersion, err := s.lifecycle.AddVersion(ctx, version, opts.MakeActive)
	if err != nil {
		if !pluginExisted {
			if derr := s.plugins.Delete(ctx, m.Name); derr != nil {
				s.logger.Error("cleanup of plugin record failed", "plugin", m.Name, "error", derr)
			}
		}
		s.cleanupBlob(ctx, m.Name, m.Version)
		return nil, err
	}

	return &UploadResult{Record: saved, Version: storedVersion}, nil
}

func (s *IngestService) assignInitialTrust(ctx context.Context, m *manifest.Manifest, sig *signature.Result) error {
	score := 20
	description := "bundle is unsigned"
	if sig.Verified {
		score = 85
		description = fmt.Sprintf("signature verified (%s)", sig.Algorithm)
		if sig.KeyID != "" {
			description += fmt.Sprintf(" against trusted key %s", sig.KeyID)
		}
	}

	return s.trust.AssignTrustLevel(ctx, &trust.Assignment{
		PluginName: m.Name,
		Version:    m.Version,
		Level:      sig.TrustLevel,
		AssignedBy: "registry-ingest",
		Reason:     "initial assignment derived from signature verification",
		Evidence: []trust.Evidence{{
			Type:        trust.EvidenceSignature,
			Score:       score,
			Description: description,
			RecordedAt:  time.Now(),
		}},
	})
}

func (s *IngestService) recordPolicyViolations(ctx context.Context, m *manifest.Manifest, report *PolicyReport) error {
	for _, v := range report.Violations {
		violation := &trust.Violation{
			PluginName:  m.Name,
			Version:     m.Version,
			Capability:  v.Capability,
			Severity:    v.Severity,
			Action:      trust.ActionRestrict,
			Description: v.Reason,
		}
		if v.Severity >= values.RiskLevelHigh {
			violation.Action = trust.ActionQuarantine
		}
		if err := s.trust.RecordViolation(ctx, violation); err != nil {
			return err
		}
	}
	return nil
}

func (s *IngestService) cleanupBlob(ctx context.Context, name, version string) {
	if err := s.blobs.Delete(ctx, name, version); err != nil {
		s.logger.Error("cleanup of stored blob failed", "plugin", name, "version", version, "error", err)
	}
}

// phase emits a non-blocking pipeline progress event.
func (s *IngestService) phase(_ context.Context, name, phase string) {
	s.bus.Publish(ports.Event{
		Kind:       events.KindIngestPhase,
		PluginName: name,
		Data:       map[string]any{"phase": phase},
	})
}

// lock serializes work on one (name, version) key.
func (s *IngestService) lock(key string) func() {
	s.mu.Lock()
	m, ok := s.inFlight[key]
	if !ok {
		m = &sync.Mutex{}
		s.inFlight[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
