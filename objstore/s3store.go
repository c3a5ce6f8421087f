package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/evalgo-org/storedb/dberr"
)

// sharedHTTPClient pools connections across every S3Store instance, the same
// tuning the teacher applies in storage/s3aws.go.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// S3Config carries the connection parameters for an S3-compatible endpoint
// (AWS S3, MinIO, Hetzner Object Storage, or any other S3-compatible store).
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// S3Store implements Store against an S3-compatible endpoint using
// aws-sdk-go-v2, adapted from the teacher's storage/s3aws.go upload
// functions (config.WithEndpointResolverWithOptions for non-AWS endpoints,
// retry.AddWithMaxAttempts, a shared pooled HTTP client) into the
// conditional-put contract this store requires.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store for the given configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if cfg.Endpoint == "" {
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				SigningRegion:     cfg.Region,
				HostnameImmutable: true,
			}, nil
		})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithHTTPClient(sharedHTTPClient),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), 10)
		}),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "loading s3 config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "get object %q", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "reading object body %q", key)
	}
	return data, nil
}

func (s *S3Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := validateRange(offset, length); err != nil {
		return nil, err
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "get range %q", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "reading range body %q", key)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return ObjectMeta{}, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return ObjectMeta{}, dberr.Wrap(dberr.KindBackendUnavailable, err, "head object %q", key)
	}
	meta := ObjectMeta{Key: key}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.ETag != nil {
		meta.ETag = *out.ETag
	}
	return meta, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "reading put body for %q", key)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		var apiErr interface{ ErrorCode() string }
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed":
				if opts.IfNoneMatch != "" {
					return "", dberr.New(dberr.KindAlreadyExists, "key %q already exists", key)
				}
				return "", dberr.New(dberr.KindCommitConflict, "key %q precondition failed", key)
			}
		}
		return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "put object %q", key)
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return etag, nil
}

func (s *S3Store) Delete(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return dberr.Wrap(dberr.KindBackendUnavailable, err, "delete object %q", key)
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListResult{}, dberr.Wrap(dberr.KindBackendUnavailable, err, "list objects under %q", prefix)
	}

	result := ListResult{Objects: make([]ObjectMeta, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		meta := ObjectMeta{}
		if obj.Key != nil {
			meta.Key = *obj.Key
		}
		if obj.Size != nil {
			meta.Size = *obj.Size
		}
		if obj.ETag != nil {
			meta.ETag = *obj.ETag
		}
		result.Objects = append(result.Objects, meta)
	}
	if out.IsTruncated != nil {
		result.Truncated = *out.IsTruncated
	}
	if out.NextContinuationToken != nil {
		result.ContinuationToken = *out.NextContinuationToken
	}
	return result, nil
}
