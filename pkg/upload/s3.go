package upload

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultPrefix = "backups"
	defaultRegion = "us-east-1"
	probeObject   = ".upgradoor-write-test"
)

// Content types for the dump formats the backup step produces. Anything
// else falls back to the system MIME table.
var backupContentTypes = map[string]string{
	".sql":    "application/sql",
	".dump":   "application/octet-stream",
	".sqlite": "application/vnd.sqlite3",
	".db":     "application/vnd.sqlite3",
	".gz":     "application/gzip",
}

type s3Uploader struct {
	log    logrus.FieldLogger
	bucket string
	prefix string
	class  s3types.StorageClass
	client *s3.Client
}

var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader returns an Uploader writing to an S3-compatible bucket.
func NewS3Uploader(log logrus.FieldLogger, cfg *config.S3UploadConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 upload requires a bucket")
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &s3Uploader{
		log:    log.WithFields(logrus.Fields{"component": "s3-uploader", "bucket": cfg.Bucket}),
		bucket: cfg.Bucket,
		prefix: prefix,
		class:  s3types.StorageClass(cfg.StorageClass),
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cmp.Or(cfg.Region, defaultRegion)
		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight writes and removes a probe object so a misconfigured bucket
// fails before the first backup is taken.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := path.Join(u.prefix, probeObject)
	stamp := time.Now().UTC().Format(time.RFC3339)

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader("upgradoor write test: " + stamp),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return fmt.Errorf("writing probe to s3://%s/%s: %w", u.bucket, key, err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}); err != nil {
		u.log.WithError(err).Warn("Could not remove s3 probe object")
	}

	return nil
}

func (u *s3Uploader) Upload(ctx context.Context, localPath string, runID uint) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening backup: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat backup: %w", err)
	}

	key := u.objectKey(runID, filepath.Base(localPath))
	log := u.log.WithFields(logrus.Fields{"key": key, "bytes": info.Size()})

	in := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(detectContentType(localPath)),
		Metadata:      map[string]string{"run-id": strconv.FormatUint(uint64(runID), 10)},
	}
	if u.class != "" {
		in.StorageClass = u.class
	}

	log.Debug("Uploading backup")

	if _, err := u.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	location := "s3://" + u.bucket + "/" + key
	log.WithField("location", location).Info("Backup uploaded")

	return location, nil
}

// objectKey groups backups by run: <prefix>/run-<id>/<file>.
func (u *s3Uploader) objectKey(runID uint, name string) string {
	return path.Join(u.prefix, "run-"+strconv.FormatUint(uint64(runID), 10), name)
}

func detectContentType(file string) string {
	ext := strings.ToLower(filepath.Ext(file))
	if ct, ok := backupContentTypes[ext]; ok {
		return ct
	}

	return cmp.Or(mime.TypeByExtension(ext), "application/octet-stream")
}
