package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// S3Archive keeps artifacts in an S3 or S3-compatible bucket.
type S3Archive struct {
	client *s3.Client
	cfg    config.S3Config
}

// NewS3Archive builds a client from cfg. Static credentials are used when
// set, otherwise the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg config.S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return &S3Archive{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func (a *S3Archive) key(name string) string {
	return a.cfg.Prefix + name
}

func (a *S3Archive) location(name string) string {
	return "s3://" + a.cfg.Bucket + "/" + a.key(name)
}

func (a *S3Archive) Put(ctx context.Context, name string, data []byte) (model.BackupInfo, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return model.BackupInfo{}, fmt.Errorf("s3 put object: %w", err)
	}
	return model.BackupInfo{Name: name, SizeBytes: int64(len(data)), Location: a.location(name)}, nil
}

func (a *S3Archive) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errclass.ErrNotFound.WithMessagef("backup %s not found", name)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read body: %w", err)
	}
	return data, nil
}

func (a *S3Archive) List(ctx context.Context) ([]model.BackupInfo, error) {
	var out []model.BackupInfo
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(a.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), a.cfg.Prefix)
			if ok, _ := doublestar.Match(archivePattern, name); !ok {
				continue
			}
			out = append(out, model.BackupInfo{
				Name:      name,
				Timestamp: aws.ToTime(obj.LastModified).UTC(),
				SizeBytes: aws.ToInt64(obj.Size),
				Location:  a.location(name),
			})
		}
	}
	sortNewestFirst(out)
	return out, nil
}
