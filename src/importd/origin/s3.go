package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Provider identifies a supported S3-compatible storage provider.
// GarageHQ and MinIO address buckets differently, so the client needs to
// know which one it's talking to.
type S3Provider string

const (
	S3ProviderGarage S3Provider = "garage"
	S3ProviderMinio  S3Provider = "minio"
	S3ProviderAWS    S3Provider = "aws"
	S3ProviderOther  S3Provider = "other"
)

// S3Config configures the optional S3 mirror.
type S3Config struct {
	Provider        S3Provider
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c *S3Config) apiEndpoint() string {
	endpoint := strings.TrimPrefix(c.Endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	switch c.Provider {
	case S3ProviderGarage:
		return fmt.Sprintf("https://api.%s", endpoint)
	case S3ProviderAWS:
		return fmt.Sprintf("https://s3.%s.amazonaws.com", c.Region)
	default:
		return fmt.Sprintf("https://%s", endpoint)
	}
}

func (c *S3Config) usePathStyle() bool {
	return c.Provider != S3ProviderAWS
}

// S3Mirror is an optional secondary Backend: every successful primary
// upload is additionally replicated here for disaster recovery, selected by
// ORIGIN_MIRROR=s3. Covers Put, Delete and a HEAD-based Exists — no
// presigned URLs, listing, or web-gateway URL construction, since nothing
// reads a mirrored object back through this package.
type S3Mirror struct {
	client *s3.Client
	config S3Config
}

// NewS3Mirror constructs the mirror backend.
func NewS3Mirror(cfg S3Config) (*S3Mirror, error) {
	signingRegion := cfg.Region
	if cfg.Provider == S3ProviderGarage && signingRegion == "" {
		signingRegion = "garage"
	}
	client := s3.New(s3.Options{
		Region:       signingRegion,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		BaseEndpoint: aws.String(cfg.apiEndpoint()),
		UsePathStyle: cfg.usePathStyle(),
	})
	return &S3Mirror{client: client, config: cfg}, nil
}

// EnsureBucket verifies the configured bucket is reachable; it never creates
// one. Called once at startup when the mirror is enabled.
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.config.Bucket)})
	if err != nil {
		return fmt.Errorf("mirror bucket %s is not accessible: %w", m.config.Bucket, err)
	}
	return nil
}

func (m *S3Mirror) key(zone, objectName string) string {
	return zone + "/" + objectName
}

// Upload replicates an object into the mirror bucket. Unlike HTTPBackend's
// retry loop, a mirror failure is logged and swallowed by the caller
// (MirroredBackend.Upload) since the mirror is a best-effort copy, not the
// job's success criterion.
func (m *S3Mirror) Upload(ctx context.Context, zone, objectName string, r io.Reader, size int64, progress ProgressFunc) error {
	throttle := newProgressThrottle(progress, size, progressThresholdBytes)
	body := newBoundedCountingReader(r, maxReadChunk, throttle)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.config.Bucket),
		Key:           aws.String(m.key(zone, objectName)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("mirror upload failed for %s: %w", objectName, err)
	}
	return nil
}

// Delete removes the mirrored object.
func (m *S3Mirror) Delete(ctx context.Context, zone, objectName string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.config.Bucket),
		Key:    aws.String(m.key(zone, objectName)),
	})
	if err != nil {
		return fmt.Errorf("mirror delete failed for %s: %w", objectName, err)
	}
	return nil
}

// Exists HEADs the mirrored object.
func (m *S3Mirror) Exists(ctx context.Context, zone, objectName string) Tri {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.config.Bucket),
		Key:    aws.String(m.key(zone, objectName)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return TriNo
		}
		return TriError
	}
	return TriYes
}

// VerifyCDNAccess is always true for the mirror: it has no public CDN front
// door of its own, so it never blocks a job on CDN reachability.
func (m *S3Mirror) VerifyCDNAccess(ctx context.Context, objectName string) bool { return true }

// CDNURL is unused for the mirror (it is never the origin jobs report back
// to callers) but is implemented to satisfy Backend.
func (m *S3Mirror) CDNURL(objectName string) string {
	return fmt.Sprintf("%s/%s", m.config.apiEndpoint(), objectName)
}

// Type identifies this backend for logging.
func (m *S3Mirror) Type() string { return "s3-mirror" }

// Bucket returns the configured bucket name.
func (m *S3Mirror) Bucket() string { return m.config.Bucket }

// Location returns the mirror's endpoint/bucket pair for startup logging.
func (m *S3Mirror) Location() string {
	return fmt.Sprintf("%s/%s", m.config.apiEndpoint(), m.config.Bucket)
}
