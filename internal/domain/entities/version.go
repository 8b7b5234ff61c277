package entities

import (
	"fmt"
	"time"
)

// PluginVersionRecord is one row of the multi-version table. The versions
// table owns the per-version payload; the primary PluginRecord only mirrors
// the active version.
//
// Invariants:
//   - at most one row per plugin name has IsActive=true
//   - IsActive=true implies Status=active
//   - (PluginName, Version) is unique across all rows
type PluginVersionRecord struct {
	ID              string       `json:"id"`
	PluginName      string       `json:"pluginName"`
	Version         string       `json:"version"`
	IsActive        bool         `json:"isActive"`
	Status          PluginStatus `json:"status"`
	PromotionDate   *time.Time   `json:"promotionDate,omitempty"`
	DeprecationDate *time.Time   `json:"deprecationDate,omitempty"`
	RollbackReason  string       `json:"rollbackReason,omitempty"`

	// Payload mirrored into the primary record on promotion.
	Description  string    `json:"description"`
	Author       string    `json:"author"`
	License      string    `json:"license"`
	Manifest     string    `json:"manifest"`
	FilePath     string    `json:"filePath"`
	FileSize     int64     `json:"fileSize"`
	Checksum     string    `json:"checksum"`
	UploadDate   time.Time `json:"uploadDate"`
	Tags         []string  `json:"tags,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Exports      []string  `json:"exports,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks version row invariants.
func (v *PluginVersionRecord) Validate() error {
	if v.PluginName == "" {
		return fmt.Errorf("version record requires a plugin name")
	}
	if v.Version == "" {
		return fmt.Errorf("version record requires a version")
	}
	if v.IsActive && v.Status != StatusActive {
		return fmt.Errorf("active version must have status active, got %s", v.Status)
	}
	switch v.Status {
	case StatusActive, StatusDeprecated, StatusDisabled, StatusArchived, StatusRollbackTarget:
	default:
		return fmt.Errorf("invalid version status: %s", v.Status)
	}
	return nil
}

// Clone returns a deep copy, safe for handing out of a repository.
func (v *PluginVersionRecord) Clone() *PluginVersionRecord {
	cp := *v
	if v.PromotionDate != nil {
		t := *v.PromotionDate
		cp.PromotionDate = &t
	}
	if v.DeprecationDate != nil {
		t := *v.DeprecationDate
		cp.DeprecationDate = &t
	}
	cp.Tags = append([]string(nil), v.Tags...)
	cp.Dependencies = append([]string(nil), v.Dependencies...)
	cp.Exports = append([]string(nil), v.Exports...)
	return &cp
}

// MirrorToPrimary copies the version payload into a primary plugin record.
// Download counters and creation timestamps on the primary row survive.
func (v *PluginVersionRecord) MirrorToPrimary(p *PluginRecord, now time.Time) {
	p.Version = v.Version
	p.Description = v.Description
	p.Author = v.Author
	p.License = v.License
	p.Manifest = v.Manifest
	p.FilePath = v.FilePath
	p.FileSize = v.FileSize
	p.Checksum = v.Checksum
	p.Status = StatusActive
	p.Tags = append([]string(nil), v.Tags...)
	p.Dependencies = append([]string(nil), v.Dependencies...)
	p.UpdatedAt = now
}
