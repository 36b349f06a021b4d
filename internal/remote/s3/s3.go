// Package s3 implements remote.Session for S3-compatible object stores using
// aws-sdk-go-v2, with optional CargoShip-accelerated uploads.
package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
	"github.com/tflow/attachstore/pkg/utils"
)

const component = "s3"

// Config holds S3 connection settings.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Prefix          string `yaml:"prefix"`

	// EnableCargoShip routes uploads of known size through the CargoShip transporter.
	EnableCargoShip bool `yaml:"enable_cargoship"`
	Concurrency     int  `yaml:"concurrency"`
}

// API is the subset of the S3 client used by sessions.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Dialer hands out sessions that share one S3 client. The session pool still
// bounds how many operations run concurrently.
type Dialer struct {
	api         API
	bucket      string
	prefix      string
	transporter *cargoships3.Transporter
	logger      *slog.Logger
}

// NewDialer loads AWS configuration and builds the client.
func NewDialer(ctx context.Context, cfg Config, logger *slog.Logger) (*Dialer, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "s3 bucket is required").WithComponent(component)
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	d := NewDialerWithAPI(client, cfg, logger)

	if cfg.EnableCargoShip {
		concurrency := cfg.Concurrency
		if concurrency <= 0 {
			concurrency = 4
		}
		d.transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        concurrency,
		})
		d.logger.Info("CargoShip upload optimization enabled", "concurrency", concurrency)
	}

	return d, nil
}

// NewDialerWithAPI builds a dialer around an existing client.
func NewDialerWithAPI(api API, cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("component", component, "bucket", cfg.Bucket),
	}
}

// Dial returns a session bound to the shared client.
func (d *Dialer) Dial(ctx context.Context) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, component, "dial")
	}
	return &session{d: d}, nil
}

type session struct {
	d      *Dialer
	broken bool
}

func (s *session) key(path string) string {
	return utils.JoinRemote(s.d.prefix, path)
}

func (s *session) Stat(ctx context.Context, path string) (*types.ObjectInfo, error) {
	out, err := s.d.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.d.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return nil, s.translateError(err, errors.ErrCodeStorageRead, "stat")
	}

	info := &types.ObjectInfo{Path: path, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	info.ContentType = aws.ToString(out.ContentType)
	return info, nil
}

// DirExists always succeeds: object stores have no directories.
func (s *session) DirExists(ctx context.Context, dir string) (bool, error) {
	return true, nil
}

func (s *session) MakeDir(ctx context.Context, dir string) error {
	return nil
}

func (s *session) Upload(ctx context.Context, path string, r io.Reader) error {
	key := s.key(path)

	if s.d.transporter != nil {
		if sized, ok := r.(interface{ Len() int }); ok {
			start := time.Now()
			result, err := s.d.transporter.Upload(ctx, cargoships3.Archive{
				Key:          key,
				Reader:       r,
				Size:         int64(sized.Len()),
				StorageClass: awsconfig.StorageClassStandard,
				Metadata: map[string]string{
					"content-type": utils.ContentTypeByName(path),
				},
			})
			if err == nil {
				s.d.logger.Debug("CargoShip upload completed",
					"key", key,
					"throughput", result.Throughput,
					"duration", time.Since(start))
				return nil
			}
			// the reader may be partially consumed; let the retry policy start over
			return s.translateError(err, errors.ErrCodeStorageWrite, "upload")
		}
	}

	_, err := s.d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.d.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(utils.ContentTypeByName(path)),
	})
	if err != nil {
		return s.translateError(err, errors.ErrCodeStorageWrite, "upload")
	}
	return nil
}

func (s *session) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	out, err := s.d.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.d.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return 0, s.translateError(err, errors.ErrCodeStorageRead, "download")
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return n, s.translateError(err, errors.ErrCodeStorageRead, "download")
	}
	return n, nil
}

func (s *session) Delete(ctx context.Context, path string) error {
	_, err := s.d.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.d.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return s.translateError(err, errors.ErrCodeStorageDelete, "delete")
	}
	return nil
}

func (s *session) Ping(ctx context.Context) error {
	_, err := s.d.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.d.bucket)})
	if err != nil {
		return s.translateError(err, errors.ErrCodeConnectionFailed, "ping")
	}
	return nil
}

func (s *session) Broken() bool {
	return s.broken
}

func (s *session) Close() error {
	return nil
}

func (s *session) translateError(err error, code errors.ErrorCode, op string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
			WithComponent(component).WithOperation(op).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket not found: "+s.d.bucket).
			WithComponent(component).WithOperation(op).WithCause(err)
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
				WithComponent(component).WithOperation(op).WithCause(err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.NewError(errors.ErrCodeAuthenticationFailed, apiErr.ErrorMessage()).
				WithComponent(component).WithOperation(op).WithCause(err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errors.NewError(code, apiErr.ErrorMessage()).
				WithComponent(component).WithOperation(op).WithCause(err).
				WithClass(errors.ClassTransient)
		}
	}

	wrapped := errors.Wrap(err, code, component, op)
	if wrapped.Class == errors.ClassTransient {
		s.broken = true
	}
	return wrapped
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
