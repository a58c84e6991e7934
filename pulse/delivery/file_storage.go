package delivery

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
)

// S3API is the part of the S3 client the channel uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// FileStorage writes reports to a local directory or an S3 bucket.
// Objects are keyed by schedule and execution, so a retried attempt
// overwrites its own earlier partial write instead of creating a duplicate.
//
// Config keys: backend (local|s3, default local), path (local subdirectory),
// bucket (s3, required), key_prefix (s3).
type FileStorage struct {
	baseDir string
	s3cfg   am.S3Config

	mu       sync.Mutex
	client   S3API
	clientFn func(ctx context.Context) (S3API, error)
}

// NewFileStorage creates the file_storage channel
func NewFileStorage(local am.FileStorageConfig, s3cfg am.S3Config) *FileStorage {
	fs := &FileStorage{baseDir: local.BaseDir, s3cfg: s3cfg}
	fs.clientFn = fs.newS3Client
	return fs
}

// WithS3Client replaces the lazily built S3 client, for tests and embedding
func (f *FileStorage) WithS3Client(c S3API) *FileStorage {
	f.clientFn = func(context.Context) (S3API, error) { return c, nil }
	return f
}

func (f *FileStorage) Channel() schedule.Channel { return schedule.ChannelFileStorage }

func (f *FileStorage) Validate(cfg Config) error {
	switch backend := cfg.StringOr("backend", "local"); backend {
	case "local":
		if p := cfg.String("path"); p != "" {
			if filepath.IsAbs(p) || escapes(p) {
				return invalidConfig("path %q must be relative and stay inside the storage directory", p)
			}
		}
	case "s3":
		if cfg.String("bucket") == "" {
			return invalidConfig("bucket is required for the s3 backend")
		}
		if escapes(cfg.String("key_prefix")) {
			return invalidConfig("key_prefix must not contain '..'")
		}
	default:
		return invalidConfig("unknown backend %q (use local or s3)", backend)
	}
	return nil
}

func (f *FileStorage) Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	if err := f.Validate(cfg); err != nil {
		return nil, err
	}
	if env.Artifact == nil {
		return nil, retry.Permanent(errors.New("execution has no stored artifact"))
	}

	name := objectName(env)
	if cfg.StringOr("backend", "local") == "s3" {
		return f.putS3(ctx, cfg, env, name)
	}
	return f.writeLocal(cfg, env, name)
}

func (f *FileStorage) writeLocal(cfg Config, env Envelope, name string) (*Receipt, error) {
	if f.baseDir == "" {
		return nil, invalidConfig("delivery.file_storage.base_dir is not configured")
	}
	dest := filepath.Join(f.baseDir, filepath.FromSlash(cfg.String("path")), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}

	// Write then rename so readers never see a partial report
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".reportd-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(env.Artifact.Data); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "write report")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close report")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, errors.Wrap(err, "move report into place")
	}
	return &Receipt{Detail: "wrote " + dest}, nil
}

func (f *FileStorage) putS3(ctx context.Context, cfg Config, env Envelope, name string) (*Receipt, error) {
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "s3 client unavailable")
	}

	bucket := cfg.String("bucket")
	key := path.Join(strings.Trim(cfg.String("key_prefix"), "/"), name)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(env.Artifact.Data),
		ContentType:   aws.String(env.Artifact.ContentType),
		ContentLength: aws.Int64(int64(len(env.Artifact.Data))),
		Metadata: map[string]string{
			"schedule-id":  env.Execution.ScheduleID,
			"execution-id": env.Execution.ID,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "put s3://%s/%s", bucket, key)
	}
	return &Receipt{Detail: fmt.Sprintf("uploaded s3://%s/%s", bucket, key)}, nil
}

// s3Client builds the client on first use; a failed build is retried next time
func (f *FileStorage) s3Client(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	c, err := f.clientFn(ctx)
	if err != nil {
		return nil, err
	}
	f.client = c
	return c, nil
}

func (f *FileStorage) newS3Client(ctx context.Context) (S3API, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(f.s3cfg.Region)}
	if f.s3cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(f.s3cfg.AccessKeyID, f.s3cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.s3cfg.Endpoint)
		}
		o.UsePathStyle = f.s3cfg.UsePathStyle
	}), nil
}

// objectName is <schedule id>/<execution id>/<filename>
func objectName(env Envelope) string {
	filename := "report"
	if env.Artifact != nil && env.Artifact.Filename != "" {
		filename = path.Base(filepath.ToSlash(env.Artifact.Filename))
	}
	return path.Join(env.Execution.ScheduleID, env.Execution.ID, filename)
}

func escapes(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
