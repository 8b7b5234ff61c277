// Package entities defines the persisted records of the registry: plugin
// records, per-version records, and download history entries.
package entities

import (
	"fmt"
	"time"
)

// PluginStatus is the lifecycle status of a stored plugin or version.
type PluginStatus string

const (
	StatusActive         PluginStatus = "active"
	StatusDeprecated     PluginStatus = "deprecated"
	StatusDisabled       PluginStatus = "disabled"
	StatusArchived       PluginStatus = "archived"
	StatusRollbackTarget PluginStatus = "rollback_target"
)

// ValidPrimaryStatus reports whether the status is legal for a primary
// plugin record. Archived and rollback_target only apply to version rows.
func ValidPrimaryStatus(s PluginStatus) bool {
	switch s {
	case StatusActive, StatusDeprecated, StatusDisabled:
		return true
	default:
		return false
	}
}

// PluginRecord is the canonical stored form of a plugin. The payload fields
// mirror the currently active version; they are rewritten only inside the
// promotion transaction.
type PluginRecord struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Version       string       `json:"version"`
	Description   string       `json:"description"`
	Author        string       `json:"author"`
	License       string       `json:"license"`
	Manifest      string       `json:"manifest"` // serialized manifest JSON
	FilePath      string       `json:"filePath"`
	FileSize      int64        `json:"fileSize"`
	Checksum      string       `json:"checksum"`
	UploadDate    time.Time    `json:"uploadDate"`
	LastAccessed  time.Time    `json:"lastAccessed"`
	DownloadCount int64        `json:"downloadCount"`
	Status        PluginStatus `json:"status"`
	Tags          []string     `json:"tags,omitempty"`
	Dependencies  []string     `json:"dependencies,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Validate checks record invariants before persistence.
func (p *PluginRecord) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plugin record requires a name")
	}
	if p.Version == "" {
		return fmt.Errorf("plugin record requires a version")
	}
	if p.Checksum == "" {
		return fmt.Errorf("plugin record requires a checksum")
	}
	if !ValidPrimaryStatus(p.Status) {
		return fmt.Errorf("invalid primary record status: %s", p.Status)
	}
	return nil
}

// Clone returns a deep copy, safe for handing out of a repository.
func (p *PluginRecord) Clone() *PluginRecord {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Dependencies = append([]string(nil), p.Dependencies...)
	return &cp
}

// PluginDownloadRecord is one append-only download history entry.
// Rows are cascade-deleted with the owning plugin.
type PluginDownloadRecord struct {
	ID           string    `json:"id"`
	PluginID     string    `json:"pluginId"`
	Version      string    `json:"version"`
	DownloadDate time.Time `json:"downloadDate"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
}
