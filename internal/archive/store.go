package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
)

// BlobStore archives patches to any gocloud.dev bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	prefix  string
	baseURI string
	log     *slog.Logger
}

// NewLocalStore creates a store rooted at dir on the local filesystem.
func NewLocalStore(dir, prefix string) (*BlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive dir %s: %w", abs, err)
	}
	return newBlobStore(bucket, prefix, "file://"+filepath.ToSlash(abs)), nil
}

// NewGCSStore creates a store backed by a GCS bucket. Credentials come from
// the environment (Application Default Credentials).
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return newBlobStore(bucket, prefix, "gs://"+bucketName), nil
}

// NewS3Store creates an S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(ctx context.Context, bucketName, prefix, endpoint, region string, forcePathStyle bool) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		forcePathStyle = true
	}
	if forcePathStyle {
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return newBlobStore(bucket, prefix, "s3://"+bucketName), nil
}

func newBlobStore(bucket *blob.Bucket, prefix, baseURI string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		prefix:  prefix,
		baseURI: baseURI,
		log:     slog.With("component", "archive"),
	}
}

// Archive writes the compressed patch to a temporary key, copies it to its
// final key and then writes the manifest. A manifest therefore only exists
// for a complete patch object.
func (s *BlobStore) Archive(ctx context.Context, ref Ref, f *patch.File, status string) (*Result, error) {
	if f == nil {
		return nil, fmt.Errorf("archive %s: no patch file", ref.RunID)
	}
	key := ref.Key(s.prefix)
	tempKey := fmt.Sprintf("%s.tmp-%s", key, uuid.New().String())

	sum, raw, compressed, err := s.writeCompressed(ctx, tempKey, f.Path)
	if err != nil {
		s.abort(tempKey)
		return nil, err
	}
	if err := s.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		s.abort(tempKey)
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}
	s.abort(tempKey)

	m := Manifest{
		RunID:          ref.RunID,
		ChangeListID:   ref.ChangeListID,
		Status:         status,
		Records:        manifestRecords(f.Records),
		Skipped:        f.Skipped,
		ByteSize:       raw,
		CompressedSize: compressed,
		Checksum:       "sha256:" + sum,
		CreatedAt:      time.Now().UTC(),
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestKey := ref.ManifestKey(s.prefix)
	if err := s.bucket.WriteAll(ctx, manifestKey, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return nil, fmt.Errorf("write manifest %s: %w", manifestKey, err)
	}

	s.log.Info("patch archived", "run_id", ref.RunID, "key", key,
		"bytes", raw, "compressed", compressed)

	return &Result{
		Key:         key,
		ManifestKey: manifestKey,
		URI:         s.URI(key),
		Manifest:    m,
	}, nil
}

// writeCompressed streams the file at path through zstd into key and
// returns the hex sha256 and size of the uncompressed bytes plus the
// compressed size.
func (s *BlobStore) writeCompressed(ctx context.Context, key, path string) (string, int64, int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("open patch: %w", err)
	}
	defer src.Close()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/zstd"})
	if err != nil {
		return "", 0, 0, fmt.Errorf("create writer for %s: %w", key, err)
	}
	counter := &countingWriter{w: w}

	zw, err := zstd.NewWriter(counter)
	if err != nil {
		w.Close()
		return "", 0, 0, fmt.Errorf("create zstd encoder: %w", err)
	}

	h := sha256.New()
	raw, err := io.Copy(zw, io.TeeReader(src, h))
	if err != nil {
		zw.Close()
		w.Close()
		return "", 0, 0, fmt.Errorf("compress patch: %w", err)
	}
	if err := zw.Close(); err != nil {
		w.Close()
		return "", 0, 0, fmt.Errorf("flush zstd: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("close writer for %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), raw, counter.n, nil
}

func (s *BlobStore) abort(key string) {
	// background context so cleanup still runs after cancellation
	if err := s.bucket.Delete(context.Background(), key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		s.log.Debug("temp cleanup failed", "key", key, "error", err)
	}
}

// readPatch returns the decompressed patch stored under key.
func (s *BlobStore) readPatch(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	return data, nil
}

// ReadManifest loads the manifest stored for ref.
func (s *BlobStore) ReadManifest(ctx context.Context, ref Ref) (*Manifest, error) {
	data, err := s.bucket.ReadAll(ctx, ref.ManifestKey(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + key
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func manifestRecords(records []patch.Record) []ManifestRecord {
	out := make([]ManifestRecord, len(records))
	for i, r := range records {
		out[i] = ManifestRecord{Type: r.Type.String(), Path: r.Path, Size: r.Size}
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
