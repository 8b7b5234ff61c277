// Package ports defines the interfaces between the application services and
// the infrastructure adapters: repositories, blob storage, the trust store,
// and the event bus. Services accept these interfaces; adapters return
// concrete types.
package ports

import (
	"context"
	"io"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/domain/entities"
	"github.com/pluginhub-dev/pluginhub/internal/domain/trust"
)

// SortField selects the ordering of a plugin listing.
type SortField string

const (
	SortByName          SortField = "name"
	SortByUploadDate    SortField = "uploadDate"
	SortByDownloadCount SortField = "downloadCount"
	SortByVersion       SortField = "version"
)

// StatusFilter selects which record statuses a listing includes.
// The zero value lists active records only; StatusAll disables filtering.
const StatusAll entities.PluginStatus = "all"

// ListOptions filter, sort, and paginate a plugin listing.
type ListOptions struct {
	Status     entities.PluginStatus
	SortBy     SortField
	Descending bool
	Offset     int
	Limit      int
}

// RepositoryStats summarizes the plugin table.
type RepositoryStats struct {
	TotalPlugins   int    `json:"totalPlugins"`
	TotalDownloads int64  `json:"totalDownloads"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
	AverageSize    int64  `json:"averageSizeBytes"`
	MostPopular    string `json:"mostPopular,omitempty"`
	Oldest         string `json:"oldest,omitempty"`
	Newest         string `json:"newest,omitempty"`
}

// PluginRepository persists primary plugin records and download history.
//
// Contract notes:
//   - Save upserts by name, preserving DownloadCount on replacement.
//   - GetByName returns active-status records only (documented behavior).
//   - RecordDownload is atomic: the counter increment and the history append
//     succeed or fail together.
type PluginRepository interface {
	Save(ctx context.Context, record *entities.PluginRecord) (*entities.PluginRecord, error)
	GetByName(ctx context.Context, name string) (*entities.PluginRecord, error)
	GetByChecksum(ctx context.Context, checksum string) (*entities.PluginRecord, error)
	List(ctx context.Context, opts ListOptions) ([]*entities.PluginRecord, error)
	Search(ctx context.Context, query string) ([]*entities.PluginRecord, error)
	RecordDownload(ctx context.Context, name, userAgent, ipAddress string) (*entities.PluginRecord, error)
	Delete(ctx context.Context, name string) error
	UpdateStatus(ctx context.Context, name string, status entities.PluginStatus) error
	Downloads(ctx context.Context, name string) ([]*entities.PluginDownloadRecord, error)
	Stats(ctx context.Context) (*RepositoryStats, error)
	HealthCheck(ctx context.Context) error
}

// VersionRepository persists the multi-version table.
//
// Promote is transactional: all isActive flips for the plugin, the target's
// status change, and the mirror into the primary record happen together.
type VersionRepository interface {
	Insert(ctx context.Context, record *entities.PluginVersionRecord) (*entities.PluginVersionRecord, error)
	Get(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error)
	GetActive(ctx context.Context, name string) (*entities.PluginVersionRecord, error)
	ListVersions(ctx context.Context, name string) ([]*entities.PluginVersionRecord, error)
	Update(ctx context.Context, record *entities.PluginVersionRecord) error
	Delete(ctx context.Context, name, version string) error
	Promote(ctx context.Context, name, version string) (*entities.PluginVersionRecord, error)
}

// TrustStore persists trust assignments, the violation ledger, and pending
// change requests. Assign atomically deactivates the prior active row for
// the same (pluginName, version?) scope before inserting the new one.
type TrustStore interface {
	Assign(ctx context.Context, assignment *trust.Assignment) error
	ActiveAssignment(ctx context.Context, pluginName, version string) (*trust.Assignment, error)
	ListAssignments(ctx context.Context, pluginName string) ([]*trust.Assignment, error)
	RecordViolation(ctx context.Context, violation *trust.Violation) error
	ListViolations(ctx context.Context, pluginName string) ([]*trust.Violation, error)
	EnqueueChangeRequest(ctx context.Context, req *trust.ChangeRequest) error
	PendingChangeRequests(ctx context.Context) ([]*trust.ChangeRequest, error)
}

// BlobInfo describes one stored bundle file.
type BlobInfo struct {
	Name    string
	Version string
	Path    string
	Size    int64
	ModTime time.Time
}

// BlobStore stores raw bundle archives addressed by (name, version).
// Writes are crash-safe; deletes are idempotent.
type BlobStore interface {
	Write(ctx context.Context, name, version string, data []byte) (path string, err error)
	Read(ctx context.Context, name, version string) (io.ReadCloser, error)
	ReadAll(ctx context.Context, name, version string) ([]byte, error)
	Delete(ctx context.Context, name, version string) error
	List(ctx context.Context) ([]BlobInfo, error)
	Path(name, version string) string
}

// Event is one typed occurrence on the bus.
type Event struct {
	Kind       string         `json:"kind"`
	PluginName string         `json:"pluginName,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscription receives events; Close releases it.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// EventBus is the process-wide typed event broadcast. Events of the same
// (pluginName, kind) reach each subscriber in emission order; subscribers
// are independent of each other and must not block the publisher.
type EventBus interface {
	Publish(event Event)
	Subscribe(kinds ...string) Subscription
	Close()
}
