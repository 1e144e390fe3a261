// Package archive pushes a finished output directory into an S3-compatible
// bucket so corpus snapshots survive the machine that produced them. Files
// already present with the same md5 are skipped.
package archive

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// S3Client is the slice of the S3 API the archiver uses. The AWS SDK client
// satisfies it; tests use the mock.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3Client builds an AWS SDK client for the given endpoint. An empty
// endpoint selects the default AWS resolution; a custom one (MinIO, Hetzner)
// switches to path-style addressing.
func NewS3Client(ctx context.Context, endpoint, region, accessKey, secretKey string) (S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// Summary reports what an archive run did.
type Summary struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Archiver copies an output directory into a bucket under a key prefix.
type Archiver struct {
	client S3Client
	bucket string
	prefix string
	log    *logrus.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(client S3Client, bucket, prefix string, log *logrus.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

// ArchiveDir uploads every regular file under root to
// {prefix}/{snapshot}/{relative path}. Files whose stored md5 matches the
// local one are skipped.
func (a *Archiver) ArchiveDir(ctx context.Context, root, snapshot string) (*Summary, error) {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", a.bucket, err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)

	summary := &Summary{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return summary, err
		}
		key := a.key(snapshot, rel)

		hash, size, err := fileMD5(path)
		if err != nil {
			return summary, fmt.Errorf("hash %s: %w", path, err)
		}

		if a.unchanged(ctx, key, hash) {
			summary.Skipped++
			continue
		}
		if err := a.upload(ctx, path, key, hash); err != nil {
			return summary, fmt.Errorf("upload %s: %w", rel, err)
		}
		summary.Uploaded++
		summary.Bytes += size
	}

	a.log.WithFields(logrus.Fields{
		"bucket":   a.bucket,
		"snapshot": snapshot,
		"uploaded": summary.Uploaded,
		"skipped":  summary.Skipped,
	}).Info("archive complete")
	return summary, nil
}

// List returns the object keys stored under a snapshot.
func (a *Archiver) List(ctx context.Context, snapshot string) ([]string, error) {
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.key(snapshot, "")),
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshot %s: %w", snapshot, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *Archiver) key(snapshot, rel string) string {
	parts := []string{}
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	parts = append(parts, snapshot)
	if rel != "" {
		parts = append(parts, filepath.ToSlash(rel))
	}
	return strings.Join(parts, "/")
}

func (a *Archiver) unchanged(ctx context.Context, key, hash string) bool {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if !errors.As(err, &noKey) {
			a.log.WithError(err).WithField("key", key).Debug("head object failed, re-uploading")
		}
		return false
	}
	return head.Metadata["md5"] == hash
}

func (a *Archiver) upload(ctx context.Context, path, key, hash string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: map[string]string{"md5": hash},
	})
	return err
}

func fileMD5(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := md5.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}
