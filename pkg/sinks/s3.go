package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

const (
	defaultS3Region    = "us-east-1"
	defaultS3KeyPrefix = "events/"
	s3KeyIDSuffixLen   = 50
)

// S3Config configures the object-storage sink.
type S3Config struct {
	Bucket             string
	Region             string
	KeyPrefix          string
	AccessKeyID        string
	SecretAccessKey    string
	Endpoint           string
	ForcePathStyle     bool
	IdempotencyMetaKey string
	Now                func() time.Time
}

func (c S3Config) withDefaults() S3Config {
	if c.Region == "" {
		c.Region = defaultS3Region
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultS3KeyPrefix
	}
	if c.IdempotencyMetaKey == "" {
		c.IdempotencyMetaKey = "idempotency-key"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// S3Sink writes each batch as one JSONL object to an S3-compatible
// bucket, deduplicating on the deterministic object key it constructs.
type S3Sink struct {
	cfg S3Config

	mu          sync.Mutex
	client      *s3.Client
	writtenKeys map[string]bool
}

// NewS3Sink constructs an S3Sink. Call Init before Write.
func NewS3Sink(cfg S3Config) *S3Sink {
	return &S3Sink{cfg: cfg.withDefaults(), writtenKeys: make(map[string]bool)}
}

func (s *S3Sink) ID() string { return "s3:" + s.cfg.Bucket + "/" + s.cfg.KeyPrefix }

func (s *S3Sink) Init(ctx context.Context) error {
	if s.cfg.Bucket == "" {
		return fmt.Errorf("sinks: s3 sink requires Bucket")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(s.cfg.Region))
	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("sinks: s3 load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		})
	}
	if s.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	s.mu.Lock()
	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	s.mu.Unlock()
	return nil
}

func (s *S3Sink) Write(ctx context.Context, events []*event.AnalyticsEventV1) error {
	if len(events) == 0 {
		return nil
	}

	key := s.objectKey(events)

	s.mu.Lock()
	if s.writtenKeys[key] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("sinks: s3 marshal event %s: %w", ev.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/jsonl"),
		Metadata:    map[string]string{s.cfg.IdempotencyMetaKey: events[0].ID},
	})
	if err != nil {
		return fmt.Errorf("sinks: s3 put object %s: %w", key, err)
	}

	s.mu.Lock()
	s.writtenKeys[key] = true
	s.mu.Unlock()
	return nil
}

// objectKey builds <keyPrefix><sanitized-iso-ts>-<first-50-chars-of-joined-ids>.jsonl.
func (s *S3Sink) objectKey(events []*event.AnalyticsEventV1) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(s.cfg.Now().UTC().Format(time.RFC3339Nano))
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	joined := strings.Join(ids, "-")
	if len(joined) > s3KeyIDSuffixLen {
		joined = joined[:s3KeyIDSuffixLen]
	}
	return fmt.Sprintf("%s%s-%s.jsonl", s.cfg.KeyPrefix, ts, joined)
}

func (s *S3Sink) Close() error { return nil }

func (s *S3Sink) GetIdempotencyKey(ev *event.AnalyticsEventV1) string { return idKey(ev) }
