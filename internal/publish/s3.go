package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/history"
)

type S3Config struct {
	// Target is s3://bucket/optional/prefix
	Target      string `yaml:"target"`
	Profile     string `yaml:"profile"`
	DeleteLocal bool   `yaml:"delete_local"`
}

type ObjectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Publisher copies completed outputs to a bucket.
type S3Publisher struct {
	uploader    ObjectUploader
	bucket      string
	prefix      string
	deleteLocal bool
}

func ParseS3URL(rawURL string) (string, string, error) {
	if !strings.HasPrefix(rawURL, "s3://") {
		return "", "", fmt.Errorf("not an s3 url: %s", rawURL)
	}
	parts := strings.SplitN(strings.TrimPrefix(rawURL, "s3://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("missing bucket in %s", rawURL)
	}
	if len(parts) < 2 {
		return parts[0], "", nil
	}
	return parts[0], strings.Trim(parts[1], "/"), nil
}

func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	bucket, prefix, err := ParseS3URL(cfg.Target)
	if err != nil {
		return nil, err
	}
	profile := cfg.Profile
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	if profile == "" {
		profile = "default"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithSharedConfigProfile(profile),
		config.WithRetryMode("adaptive"),
	)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = 4
	})
	return newS3Publisher(uploader, bucket, prefix, cfg.DeleteLocal), nil
}

func newS3Publisher(uploader ObjectUploader, bucket, prefix string, deleteLocal bool) *S3Publisher {
	return &S3Publisher{uploader: uploader, bucket: bucket, prefix: prefix, deleteLocal: deleteLocal}
}

// Key is the object key a local output is uploaded to.
func (p *S3Publisher) Key(localPath string) string {
	name := filepath.Base(localPath)
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

func (p *S3Publisher) Publish(ctx context.Context, rec history.Record) (string, error) {
	f, err := os.Open(rec.FinalPath)
	if err != nil {
		return "", fmt.Errorf("error opening output: %w", err)
	}
	defer f.Close()
	key := p.Key(rec.FinalPath)
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("error uploading to s3://%s/%s: %w", p.bucket, key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	if p.deleteLocal {
		f.Close()
		if err := os.Remove(rec.FinalPath); err != nil {
			log.Warn().Str("op", "publish/s3").Err(err).Msgf("Uploaded but could not remove %s", rec.FinalPath)
		}
	}
	return location, nil
}

// Hook adapts Publish to a task manager completion hook.
func (p *S3Publisher) Hook() func(context.Context, history.Record) {
	return func(ctx context.Context, rec history.Record) {
		location, err := p.Publish(ctx, rec)
		if err != nil {
			log.Error().Str("op", "publish/s3").Err(err).Msgf("Failed to publish %s", rec.FinalPath)
			return
		}
		log.Info().Str("op", "publish/s3").Msgf("Published %s to %s", rec.DisplayName, location)
	}
}
