// Package s3archive copies statistics snapshots to S3-compatible object
// storage for long-term retention.
package s3archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plangate/pkg/storage"
)

var archiveTracer = otel.Tracer("plangate/storage/s3archive")

// Config configures the S3 client
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// ObjectPutter is the subset of the S3 API the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client. Static credentials are used when both keys
// are set; otherwise the default credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var (
		awsConfig aws.Config
		err       error
	)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver writes statistics snapshots as JSON objects. It satisfies
// storage.StatisticsWriter so it can sit next to the repository in the
// statistics job.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

var _ storage.StatisticsWriter = (*Archiver)(nil)

// NewArchiver creates an archiver writing under prefix in bucket
func NewArchiver(client ObjectPutter, bucket, prefix string) *Archiver {
	if prefix == "" {
		prefix = "statistics"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a snapshot: <prefix>/YYYY/MM/DD/<id>.json
func (a *Archiver) Key(snapshot storage.StatisticsSnapshot) string {
	taken := snapshot.TakenAt.UTC()
	return path.Join(a.prefix, taken.Format("2006/01/02"), snapshot.ID+".json")
}

// SaveStatisticsSnapshot uploads the snapshot
func (a *Archiver) SaveStatisticsSnapshot(ctx context.Context, snapshot storage.StatisticsSnapshot) error {
	key := a.Key(snapshot)
	ctx, span := archiveTracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "PutObject"),
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	data, err := json.Marshal(snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal snapshot")
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	hash := sha256.Sum256(data)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload statistics snapshot: %w", err)
	}

	span.SetStatus(codes.Ok, "snapshot archived")
	return nil
}
