// Package manifest defines the plugin bundle manifest and its validation
// rules. Every bundle carries a plugin.manifest.json at its root; the
// structures here are the parsed form shared by the registry and the host.
package manifest

import (
	"encoding/json"
	"fmt"
)

// ManifestFileName is the required manifest file at the bundle root.
const ManifestFileName = "plugin.manifest.json"

// Signature carries the cryptographic signature block of a manifest.
type Signature struct {
	Algorithm string `json:"algorithm"` // RS256, RS512, ES256, ES512
	PublicKey string `json:"publicKey"` // PEM-encoded
	Signature string `json:"signature"` // base64
}

// Security groups the optional security metadata of a manifest.
type Security struct {
	Signature  *Signature `json:"signature,omitempty"`
	TrustLevel string     `json:"trustLevel,omitempty"`
}

// Permissions lists the services and modules a plugin requests access to.
type Permissions struct {
	Services []string `json:"services,omitempty"`
	Modules  []string `json:"modules,omitempty"`
}

// Configuration holds the plugin's opaque configuration schema.
// The schema is a JSON Schema document validated for compilability only;
// its contents are pass-through data.
type Configuration struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// Module describes the symbols a plugin bundle exports.
type Module struct {
	Exports []string `json:"exports,omitempty"`
}

// Manifest is the parsed plugin.manifest.json.
type Manifest struct {
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	Description          string         `json:"description"`
	Author               string         `json:"author"`
	License              string         `json:"license"`
	EntryPoint           string         `json:"entryPoint"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	LoadOrder            *int           `json:"loadOrder,omitempty"`
	CompatibilityVersion string         `json:"compatibilityVersion"`
	Routes               []string       `json:"routes,omitempty"`
	Configuration        *Configuration `json:"configuration,omitempty"`
	Module               *Module        `json:"module,omitempty"`
	Security             *Security      `json:"security,omitempty"`
	Permissions          *Permissions   `json:"permissions,omitempty"`
	Critical             bool           `json:"critical,omitempty"`
}

// Parse decodes a manifest from raw JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Serialize encodes the manifest back to canonical JSON for storage.
func (m *Manifest) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return data, nil
}

// HasSignature reports whether the manifest carries a signature block.
func (m *Manifest) HasSignature() bool {
	return m.Security != nil && m.Security.Signature != nil
}

// ExportedSymbols returns the declared module exports, never nil.
func (m *Manifest) ExportedSymbols() []string {
	if m.Module == nil {
		return nil
	}
	return m.Module.Exports
}

// RequestedPermissions flattens the services and modules permission lists.
func (m *Manifest) RequestedPermissions() []string {
	if m.Permissions == nil {
		return nil
	}
	out := make([]string, 0, len(m.Permissions.Services)+len(m.Permissions.Modules))
	out = append(out, m.Permissions.Services...)
	out = append(out, m.Permissions.Modules...)
	return out
}
