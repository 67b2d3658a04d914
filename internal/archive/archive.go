// Package archive keeps a compressed copy of uploaded patches, with a JSON
// manifest, in local or object storage for later diagnosis.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/config"
	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
)

// UnsentChangeList names the directory of patches that never reached the
// server.
const UnsentChangeList = "unsent"

// Ref identifies one archived patch.
type Ref struct {
	RunID        string
	ChangeListID string // empty when the upload failed
}

// Key returns the object key of the compressed patch.
func (r Ref) Key(prefix string) string {
	return fmt.Sprintf("%s%s/%s.patch.zst", prefix, r.changeList(), r.RunID)
}

// ManifestKey returns the object key of the manifest.
func (r Ref) ManifestKey(prefix string) string {
	return fmt.Sprintf("%s%s/%s.json", prefix, r.changeList(), r.RunID)
}

func (r Ref) changeList() string {
	if r.ChangeListID == "" {
		return UnsentChangeList
	}
	return r.ChangeListID
}

// Manifest describes an archived patch.
type Manifest struct {
	RunID          string              `json:"run_id"`
	ChangeListID   string              `json:"change_list_id,omitempty"`
	Status         string              `json:"status,omitempty"`
	Records        []ManifestRecord    `json:"records"`
	Skipped        []patch.SkippedFile `json:"skipped,omitempty"`
	ByteSize       int64               `json:"byte_size"`
	CompressedSize int64               `json:"compressed_size"`
	Checksum       string              `json:"checksum"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ManifestRecord is one patch record as listed in the manifest.
type ManifestRecord struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Result is returned by a successful Archive call.
type Result struct {
	Key         string
	ManifestKey string
	URI         string
	Manifest    Manifest
}

// Archiver stores patch artifacts.
type Archiver interface {
	// Archive compresses the patch file and stores it with its manifest.
	// status is the run status at archive time, e.g. "uploaded".
	Archive(ctx context.Context, ref Ref, f *patch.File, status string) (*Result, error)

	// ReadManifest loads the manifest stored for ref.
	ReadManifest(ctx context.Context, ref Ref) (*Manifest, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	Close() error
}

// New creates an archive backend based on configuration. An empty backend
// disables archiving and returns nil.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local archive")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs archive")
		}
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 archive")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.Endpoint, cfg.Region, cfg.ForcePathStyle)
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Backend)
	}
}
