// Package artifacts archives run outputs (the run log and the training
// metrics the image build emits) to object storage. The published image
// stays the sole durable output of the pipeline contract; archives exist
// for post-mortems.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"caravel/internal/config"
)

type Archiver struct {
	client *minio.Client
	bucket string
}

func NewArchiver(cfg config.ArtifactsConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	log.Info().Str("bucket", a.bucket).Msg("Created artifact bucket")
	return nil
}

// ArchiveRun uploads whichever of the given files exist under a
// run-scoped prefix. Missing files are skipped, not errors: a failed run
// may not have produced metrics.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, files map[string]string) error {
	for name, localPath := range files {
		if localPath == "" {
			continue
		}
		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			log.Debug().Str("run_id", runID).Str("file", localPath).Msg("Artifact file absent, skipping")
			continue
		}

		key := path.Join("runs", runID, name)
		contentType := "text/plain"
		if filepath.Ext(localPath) == ".json" {
			contentType = "application/json"
		}

		if _, err := a.client.FPutObject(ctx, a.bucket, key, localPath,
			minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}

		log.Info().
			Str("run_id", runID).
			Str("bucket", a.bucket).
			Str("key", key).
			Msg("Artifact archived")
	}
	return nil
}
