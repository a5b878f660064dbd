package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"
)

// ContentType classifies an HLS asset by extension.
func ContentType(name string) (string, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return playlistContentType, true
	case ".ts":
		return segmentContentType, true
	}
	return "", false
}

// MinioConfig holds connection settings for an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

// objectPutter is the part of *minio.Client the mirror needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectMirror copies a published run into object storage so a CDN can serve
// it. Renditions are uploaded before the master, so the mirrored master never
// references an object that is not there yet.
type ObjectMirror struct {
	client objectPutter
	bucket string
	prefix string
	log    *slog.Logger
}

var _ Publisher = (*ObjectMirror)(nil)

// NewMinioClient connects to the bucket, creating it when missing.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

// NewObjectMirror returns a mirror writing under prefix in bucket.
func NewObjectMirror(client *minio.Client, bucket, prefix string, log *slog.Logger) *ObjectMirror {
	return newObjectMirror(client, bucket, prefix, log)
}

func newObjectMirror(client objectPutter, bucket, prefix string, log *slog.Logger) *ObjectMirror {
	if log == nil {
		log = slog.Default()
	}
	return &ObjectMirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

// Publish implements Publisher.
func (m *ObjectMirror) Publish(ctx context.Context, job *TranscodeJob, mm MasterManifest) (string, error) {
	uploaded := 0
	for _, entry := range mm.Renditions {
		out, ok := job.Outputs[entry.Tier.Name]
		if !ok {
			return "", fmt.Errorf("mirror %s: no output for tier %s", job.SourceID, entry.Tier.Name)
		}
		base := path.Dir(entry.PlaylistPath)
		for _, seg := range out.Segments {
			if err := m.putFile(ctx, m.key(job.SourceID, base, seg.Path), filepath.Join(out.Dir, filepath.FromSlash(seg.Path))); err != nil {
				return "", err
			}
			uploaded++
		}
		if err := m.putFile(ctx, m.key(job.SourceID, entry.PlaylistPath), out.PlaylistPath); err != nil {
			return "", err
		}
		uploaded++
	}

	master := mm.Encode()
	key := m.key(job.SourceID, masterFile)
	if err := m.put(ctx, key, strings.NewReader(master), int64(len(master)), playlistContentType); err != nil {
		return "", err
	}
	m.log.Info("run mirrored", "job_id", job.ID, "source_id", job.SourceID, "bucket", m.bucket, "objects", uploaded+1)
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

func (m *ObjectMirror) key(parts ...string) string {
	if m.prefix != "" {
		parts = append([]string{m.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (m *ObjectMirror) putFile(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	ct, _ := ContentType(file)
	return m.put(ctx, key, f, st.Size(), ct)
}

func (m *ObjectMirror) put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}
