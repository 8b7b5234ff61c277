package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

var (
	versionPattern    = regexp.MustCompile(`^\d+\.\d+\.\d+(-[A-Za-z0-9-]+)?$`)
	entryPointPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
)

const (
	maxDescriptionLength = 500
	maxAuthorLength      = 100
	maxLicenseLength     = 50
)

// supportedAlgorithms is the closed set of accepted signature algorithms.
var supportedAlgorithms = map[string]bool{
	"RS256": true,
	"RS512": true,
	"ES256": true,
	"ES512": true,
}

// Result aggregates validation errors and non-fatal warnings.
// A manifest is accepted iff Errors is empty.
type Result struct {
	Errors   []string
	Warnings []string
}

// IsValid reports whether no fatal errors were found.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

// Validate checks field presence, length bounds and identifier grammars.
// Warnings are non-fatal; any error rejects the manifest.
func (m *Manifest) Validate() *Result {
	res := &Result{}

	if m.Name == "" {
		res.Errors = append(res.Errors, "name is required")
	} else if _, err := values.NewPluginName(m.Name); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	if m.Version == "" {
		res.Errors = append(res.Errors, "version is required")
	} else if !versionPattern.MatchString(m.Version) {
		res.Errors = append(res.Errors, fmt.Sprintf("version %q must be a semver triple with optional pre-release", m.Version))
	}

	if m.EntryPoint == "" {
		res.Errors = append(res.Errors, "entryPoint is required")
	} else if !entryPointPattern.MatchString(m.EntryPoint) {
		res.Errors = append(res.Errors, fmt.Sprintf("entryPoint %q must be a PascalCase symbol", m.EntryPoint))
	}

	if m.Description == "" {
		res.Warnings = append(res.Warnings, "description is empty")
	} else if len(m.Description) > maxDescriptionLength {
		res.Errors = append(res.Errors, fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	}

	if m.Author == "" {
		res.Warnings = append(res.Warnings, "author is empty")
	} else if len(m.Author) > maxAuthorLength {
		res.Errors = append(res.Errors, fmt.Sprintf("author exceeds %d characters", maxAuthorLength))
	}

	if len(m.License) > maxLicenseLength {
		res.Errors = append(res.Errors, fmt.Sprintf("license exceeds %d characters", maxLicenseLength))
	}

	if m.CompatibilityVersion != "" && !versionPattern.MatchString(m.CompatibilityVersion) {
		res.Errors = append(res.Errors, fmt.Sprintf("compatibilityVersion %q is not valid semver", m.CompatibilityVersion))
	}

	seenDeps := make(map[string]bool)
	for _, dep := range m.Dependencies {
		if _, err := values.NewPluginName(dep); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("dependency %q is not a valid plugin name", dep))
			continue
		}
		if dep == m.Name {
			res.Errors = append(res.Errors, "plugin cannot depend on itself")
		}
		if seenDeps[dep] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate dependency %q", dep))
		}
		seenDeps[dep] = true
	}

	if err := m.validateSignatureBlock(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	if m.Security != nil && m.Security.TrustLevel != "" {
		if _, err := values.NewTrustLevel(m.Security.TrustLevel); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	if err := m.validateConfigurationSchema(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	return res
}

// validateSignatureBlock checks the structural shape of the signature.
// Cryptographic verification happens elsewhere.
func (m *Manifest) validateSignatureBlock() error {
	if !m.HasSignature() {
		return nil
	}
	sig := m.Security.Signature

	var problems []string
	if !supportedAlgorithms[sig.Algorithm] {
		problems = append(problems, fmt.Sprintf("unsupported signature algorithm %q", sig.Algorithm))
	}
	if !strings.Contains(sig.PublicKey, "BEGIN PUBLIC KEY") {
		problems = append(problems, "publicKey must be a PEM-encoded public key")
	}
	if sig.Signature == "" {
		problems = append(problems, "signature value is empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("signature block: %s", strings.Join(problems, "; "))
	}
	return nil
}

// validateConfigurationSchema verifies the embedded configuration schema
// compiles as JSON Schema. The schema's contents stay opaque pass-through
// data; only compilability is enforced here.
func (m *Manifest) validateConfigurationSchema() error {
	if m.Configuration == nil || len(m.Configuration.Schema) == 0 {
		return nil
	}

	raw, err := json.Marshal(m.Configuration.Schema)
	if err != nil {
		return fmt.Errorf("configuration.schema is not serializable: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("configuration.schema is not a valid resource: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("configuration.schema does not compile: %w", err)
	}
	return nil
}
