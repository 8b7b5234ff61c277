package validation

import (
	"log/slog"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// BundleValidator sequences the structural validation stages, consulting
// the verdict cache before each stage and populating it afterwards,
// negative verdicts included.
type BundleValidator struct {
	cache     *Cache
	structure *StructureValidator
	scanner   *SecurityScanner
	logger    *slog.Logger
}

// NewBundleValidator wires the validator from its parts.
func NewBundleValidator(cache *Cache, structure *StructureValidator, scanner *SecurityScanner, logger *slog.Logger) *BundleValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BundleValidator{
		cache:     cache,
		structure: structure,
		scanner:   scanner,
		logger:    logger,
	}
}

// ValidateManifest extracts and validates the bundle manifest. The verdict
// is cached by (digest, manifest); the parsed manifest is re-extracted on
// cache hits since only verdicts are memoized.
func (v *BundleValidator) ValidateManifest(digest string, data []byte) (*manifest.Manifest, *Verdict) {
	m, err := ExtractManifest(data)
	if err != nil {
		verdict := Invalid(err.Error())
		v.cache.Put(digest, KindManifest, verdict)
		return nil, verdict
	}

	if cached, ok := v.cache.Get(digest, KindManifest); ok {
		v.logger.Debug("manifest verdict cache hit", "digest", digest)
		return m, cached
	}

	res := m.Validate()
	verdict := &Verdict{IsValid: res.IsValid(), Errors: res.Errors, Warnings: res.Warnings}
	v.cache.Put(digest, KindManifest, verdict)
	return m, verdict
}

// ValidateStructure checks the archive layout, via the cache.
func (v *BundleValidator) ValidateStructure(digest string, data []byte) *Verdict {
	if cached, ok := v.cache.Get(digest, KindStructure); ok {
		v.logger.Debug("structure verdict cache hit", "digest", digest)
		return cached
	}
	verdict := v.structure.Validate(data)
	v.cache.Put(digest, KindStructure, verdict)
	return verdict
}

// ValidateSecurity runs the bounded static import scan, via the cache.
func (v *BundleValidator) ValidateSecurity(digest string, data []byte) *Verdict {
	if cached, ok := v.cache.Get(digest, KindSecurity); ok {
		v.logger.Debug("security verdict cache hit", "digest", digest)
		return cached
	}
	verdict := v.scanner.Scan(data)
	v.cache.Put(digest, KindSecurity, verdict)
	return verdict
}

// RecordFull stores an aggregate verdict that satisfies lookups of any kind
// for the digest.
func (v *BundleValidator) RecordFull(digest string, verdict *Verdict) {
	v.cache.Put(digest, KindFull, verdict)
}

// Cache exposes the underlying verdict cache for sweeps and metrics.
func (v *BundleValidator) Cache() *Cache {
	return v.cache
}
