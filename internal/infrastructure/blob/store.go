// Package blob stores raw plugin bundles on disk, one ZIP per
// (name, version), with crash-safe writes.
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
)

const pluginsSubdir = "plugins"

// blobNamePattern parses "<name>-<version>.zip". The version starts at the
// last dash followed by a digit, so dashed plugin names stay intact.
var blobNamePattern = regexp.MustCompile(`^(.+)-(\d[^-]*(?:-[A-Za-z0-9-]+)?)\.zip$`)

// Store is the filesystem blob store.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a blob store rooted at the given directory, creating the
// plugins subdirectory if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(root, pluginsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewStorageError("init", "failed to create blob directory", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Path returns the blob location for a (name, version) pair.
func (s *Store) Path(name, version string) string {
	return filepath.Join(s.root, pluginsSubdir, fmt.Sprintf("%s-%s.zip", name, version))
}

// Write stores bundle bytes crash-safely: write to a temp file, fsync,
// then rename into place.
func (s *Store) Write(ctx context.Context, name, version string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := s.Path(name, version)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", apperrors.NewStorageError("write", "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", apperrors.NewStorageError("write", "failed to write bundle", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", apperrors.NewStorageError("write", "failed to sync bundle", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.NewStorageError("write", "failed to close temp file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", apperrors.NewStorageError("write", "failed to move bundle into place", err)
	}

	s.logger.Debug("bundle stored", "plugin", name, "version", version, "path", target)
	return target, nil
}

// Read streams the stored bundle.
func (s *Store) Read(ctx context.Context, name, version string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("bundle", fmt.Sprintf("%s@%s", name, version))
		}
		return nil, apperrors.NewStorageError("read", "failed to open bundle", err)
	}
	return f, nil
}

// ReadAll loads the stored bundle fully into memory.
func (s *Store) ReadAll(ctx context.Context, name, version string) ([]byte, error) {
	rc, err := s.Read(ctx, name, version)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.NewStorageError("read", "failed to read bundle", err)
	}
	return data, nil
}

// Delete removes the stored bundle; deleting a missing blob is a no-op.
func (s *Store) Delete(ctx context.Context, name, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name, version)); err != nil && !os.IsNotExist(err) {
		return apperrors.NewStorageError("delete", "failed to delete bundle", err)
	}
	return nil
}

// List enumerates every stored blob, parsing name and version from the
// file name. Files that do not match the naming convention are skipped.
func (s *Store) List(ctx context.Context) ([]ports.BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, pluginsSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.NewStorageError("list", "failed to read blob directory", err)
	}

	var blobs []ports.BlobInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		match := blobNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			s.logger.Warn("unrecognized file in blob directory", "file", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, ports.BlobInfo{
			Name:    match[1],
			Version: match[2],
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return blobs, nil
}
