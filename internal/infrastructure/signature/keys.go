// Package signature verifies bundle signatures against the trusted-issuer
// key registry. Algorithms follow the JOSE names (RS256/RS512/ES256/ES512);
// the signature covers the raw bundle bytes.
package signature

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/pluginhub-dev/pluginhub/internal/domain/values"
)

// TrustedKey is one issuer entry in the trusted key registry.
type TrustedKey struct {
	KeyID      string            `json:"keyId" yaml:"keyId"`
	Algorithm  string            `json:"algorithm" yaml:"algorithm"`
	PublicKey  string            `json:"publicKey" yaml:"publicKey"` // PEM
	TrustLevel values.TrustLevel `json:"trustLevel" yaml:"trustLevel"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Issuer     string            `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// Expired reports whether the key has lapsed at the given instant.
func (k *TrustedKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// KeyRegistry holds the trusted issuer keys, indexed by normalized PEM.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]*TrustedKey
}

// NewKeyRegistry creates an empty key registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]*TrustedKey)}
}

// Add registers a trusted key.
func (r *KeyRegistry) Add(key *TrustedKey) error {
	if key.PublicKey == "" {
		return fmt.Errorf("trusted key %q has no public key", key.KeyID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[normalizePEM(key.PublicKey)] = key
	return nil
}

// LookupByPEM finds a trusted key by exact PEM equality, modulo surrounding
// whitespace and line ending normalization.
func (r *KeyRegistry) LookupByPEM(pem string) (*TrustedKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[normalizePEM(pem)]
	return key, ok
}

// Len returns the number of registered keys.
func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// LoadKeys populates the registry from the TRUSTED_PLUGIN_KEYS value: either
// an inline JSON array or a path to a YAML file with a `keys:` list.
func LoadKeys(source string) (*KeyRegistry, error) {
	registry := NewKeyRegistry()
	source = strings.TrimSpace(source)
	if source == "" {
		return registry, nil
	}

	var keys []*TrustedKey
	if strings.HasPrefix(source, "[") {
		if err := json.Unmarshal([]byte(source), &keys); err != nil {
			return nil, fmt.Errorf("failed to parse trusted keys JSON: %w", err)
		}
	} else {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted keys file: %w", err)
		}
		var doc struct {
			Keys []*TrustedKey `yaml:"keys"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse trusted keys file: %w", err)
		}
		keys = doc.Keys
	}

	for _, key := range keys {
		if err := registry.Add(key); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func normalizePEM(pem string) string {
	pem = strings.ReplaceAll(pem, "\r\n", "\n")
	return strings.TrimSpace(pem)
}
