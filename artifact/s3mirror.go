package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bbpl/local-runner/bbplerr"
)

// S3Client is the subset of the AWS S3 SDK client the mirror needs, so
// tests can substitute a fake without standing up real AWS credentials.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Mirror optionally uploads a step's saved artifacts to an S3 bucket so
// they survive beyond the local artifact directory. It supplements the
// local Store; it is never the source of truth for a local run.
type S3Mirror struct {
	Client S3Client
	Bucket string
	Prefix string
}

// NewS3Mirror builds a mirror from an already-configured S3 client.
func NewS3Mirror(client S3Client, bucket, prefix string) *S3Mirror {
	return &S3Mirror{Client: client, Bucket: bucket, Prefix: prefix}
}

func (m *S3Mirror) key(stepName, relPath string) string {
	dir := SanitizeStepName(stepName)
	if m.Prefix != "" {
		return fmt.Sprintf("%s/%s/%s", m.Prefix, dir, relPath)
	}
	return fmt.Sprintf("%s/%s", dir, relPath)
}

// Upload mirrors every file recorded in meta, reading them back from
// localDir (the step's artifact directory on disk), then mirrors meta
// itself so Download can later reconstruct the file list without a local
// copy of the metadata sidecar.
func (m *S3Mirror) Upload(ctx context.Context, localDir string, meta Metadata) error {
	for _, a := range meta.Files {
		path := filepath.Join(localDir, filepath.FromSlash(a.Path))
		f, err := os.Open(path)
		if err != nil {
			return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror upload", err)
		}
		_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.Bucket),
			Key:    aws.String(m.key(meta.StepName, a.Path)),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror upload", err)
		}
	}
	return m.uploadMetadata(ctx, meta)
}

func (m *S3Mirror) metadataKey(stepName string) string {
	return m.key(stepName, ".metadata.json")
}

func (m *S3Mirror) uploadMetadata(ctx context.Context, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror upload metadata", err)
	}
	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.metadataKey(meta.StepName)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror upload metadata", err)
	}
	return nil
}

// DownloadMetadata fetches the mirrored metadata sidecar for stepName, so a
// restore can proceed on a machine whose local artifact directory never saw
// this step.
func (m *S3Mirror) DownloadMetadata(ctx context.Context, stepName string) (*Metadata, error) {
	out, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.metadataKey(stepName)),
	})
	if err != nil {
		return nil, bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download metadata", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download metadata", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download metadata", err)
	}
	return &meta, nil
}

// Download fetches one mirrored file into destPath, creating parent
// directories as needed.
func (m *S3Mirror) Download(ctx context.Context, stepName, relPath, destPath string) error {
	out, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(stepName, relPath)),
	})
	if err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download", err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download", err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(out.Body); err != nil {
		return bbplerr.New(bbplerr.FilesystemError, "artifact: s3-mirror download", err)
	}
	return nil
}
