package signature

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// signingMethods maps supported algorithm names to their JOSE methods.
// RS* verifies PKCS#1 v1.5 over the method's hash; ES* expects a raw
// r||s signature.
var signingMethods = map[string]jwt.SigningMethod{
	"RS256": jwt.SigningMethodRS256,
	"RS512": jwt.SigningMethodRS512,
	"ES256": jwt.SigningMethodES256,
	"ES512": jwt.SigningMethodES512,
}

// Result is the outcome of signature verification.
type Result struct {
	IsValid    bool              `json:"isValid"`
	TrustLevel values.TrustLevel `json:"trustLevel"`
	Errors     []string          `json:"errors,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Verified   bool              `json:"verified"`
	Algorithm  string            `json:"algorithm,omitempty"`
	KeyID      string            `json:"keyId,omitempty"`
}

// Policy configures signature requirements.
type Policy struct {
	RequireSignatures bool
	AllowUnsigned     bool
}

// Verifier checks manifest signatures against the trusted key registry.
type Verifier struct {
	registry *KeyRegistry
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier creates a signature verifier.
func NewVerifier(registry *KeyRegistry, policy Policy, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		registry: registry,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Verify applies the signature policy to the bundle bytes and the manifest's
// signature block.
//
// Outcomes:
//   - no signature: fails when signatures are required and unsigned bundles
//     are not allowed; otherwise valid at UNTRUSTED with a warning
//   - unsupported algorithm, expired trusted key, or bad signature: fails
//   - verified against a trusted key: valid at the key's trust level
//   - verified against an unknown key: valid at COMMUNITY with a warning
func (v *Verifier) Verify(bundle []byte, m *manifest.Manifest) *Result {
	if !m.HasSignature() {
		if v.policy.RequireSignatures && !v.policy.AllowUnsigned {
			return &Result{
				IsValid:    false,
				TrustLevel: values.TrustUntrusted,
				Errors:     []string{"bundle is unsigned and the registry requires signatures"},
			}
		}
		return &Result{
			IsValid:    true,
			TrustLevel: values.TrustUntrusted,
			Warnings:   []string{"bundle is unsigned"},
		}
	}

	sig := m.Security.Signature
	method, ok := signingMethods[sig.Algorithm]
	if !ok {
		return &Result{
			IsValid:    false,
			TrustLevel: values.TrustUntrusted,
			Errors:     []string{fmt.Sprintf("unsupported signature algorithm %q", sig.Algorithm)},
			Algorithm:  sig.Algorithm,
		}
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return &Result{
			IsValid:    false,
			TrustLevel: values.TrustUntrusted,
			Errors:     []string{fmt.Sprintf("signature is not valid base64: %v", err)},
			Algorithm:  sig.Algorithm,
		}
	}

	key, err := parsePublicKey(sig.Algorithm, sig.PublicKey)
	if err != nil {
		return &Result{
			IsValid:    false,
			TrustLevel: values.TrustUntrusted,
			Errors:     []string{fmt.Sprintf("invalid public key: %v", err)},
			Algorithm:  sig.Algorithm,
		}
	}

	trusted, isTrusted := v.registry.LookupByPEM(sig.PublicKey)
	if isTrusted && trusted.Expired(v.now()) {
		return &Result{
			IsValid:    false,
			TrustLevel: values.TrustUntrusted,
			Errors:     []string{fmt.Sprintf("trusted key %q has expired", trusted.KeyID)},
			Algorithm:  sig.Algorithm,
			KeyID:      trusted.KeyID,
		}
	}

	if err := method.Verify(string(bundle), rawSig, key); err != nil {
		return &Result{
			IsValid:    false,
			TrustLevel: values.TrustUntrusted,
			Errors:     []string{fmt.Sprintf("signature does not verify: %v", err)},
			Algorithm:  sig.Algorithm,
		}
	}

	if isTrusted {
		v.logger.Info("bundle signature verified against trusted issuer",
			"plugin", m.Name, "keyId", trusted.KeyID, "trustLevel", trusted.TrustLevel.String())
		return &Result{
			IsValid:    true,
			TrustLevel: trusted.TrustLevel,
			Verified:   true,
			Algorithm:  sig.Algorithm,
			KeyID:      trusted.KeyID,
		}
	}

	return &Result{
		IsValid:    true,
		TrustLevel: values.TrustCommunity,
		Warnings:   []string{"signature verifies but the signing key is not in the trusted issuer registry"},
		Verified:   true,
		Algorithm:  sig.Algorithm,
	}
}

// parsePublicKey decodes a PEM public key for the algorithm family.
func parsePublicKey(algorithm, pem string) (any, error) {
	switch algorithm {
	case "RS256", "RS512":
		return jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	case "ES256", "ES512":
		return jwt.ParseECPublicKeyFromPEM([]byte(pem))
	default:
		return nil, fmt.Errorf("no key parser for algorithm %q", algorithm)
	}
}
