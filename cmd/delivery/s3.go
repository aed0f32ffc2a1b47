package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/report"
)

var ErrS3ClientNotInitialized = errors.New("S3 client not initialized")

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Folder    string
}

// ObjectPutter is the part of the S3 API the client uses. *s3.S3 satisfies it.
type ObjectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Client uploads report artifacts to an S3 bucket, creating or replacing
// the object at <folder>/<file>.
type S3Client struct {
	cfg     S3Config
	client  ObjectPutter
	builder builder
}

// NewS3Client opens an AWS session for cfg and returns a client using it.
func NewS3Client(cfg S3Config, formatter formatters.Formatter) (*S3Client, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return NewS3ClientWithAPI(cfg, s3.New(sess), formatter), nil
}

// NewS3ClientWithAPI wraps an existing S3 API implementation.
func NewS3ClientWithAPI(cfg S3Config, api ObjectPutter, formatter formatters.Formatter) *S3Client {
	return &S3Client{
		cfg:     cfg,
		client:  api,
		builder: newBuilder(formatter, cfg.Folder),
	}
}

// Upload validates req, encodes it, and writes it to the bucket. The
// returned map carries the bucket, key and ETag of the stored object.
func (c *S3Client) Upload(ctx context.Context, req report.UploadRequest) (map[string]any, error) {
	artifact, err := c.builder.build(req)
	if err != nil {
		return nil, err
	}
	if c.client == nil {
		return nil, &TransportError{Op: "put object", Err: ErrS3ClientNotInitialized}
	}

	key := artifact.Name
	if artifact.Folder != "" {
		key = path.Join(artifact.Folder, artifact.Name)
	}

	out, err := c.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(artifact.Data),
		ContentType: aws.String(artifact.ContentType),
	})
	if err != nil {
		return nil, &TransportError{Op: "put object", Err: err}
	}

	result := map[string]any{
		"bucket": c.cfg.Bucket,
		"key":    key,
	}
	if out != nil && out.ETag != nil {
		result["etag"] = *out.ETag
	}
	return result, nil
}
