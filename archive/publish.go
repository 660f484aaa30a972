package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/invoice-scraper/logger"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type objectPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest is the part of a presign result the publisher needs
type PresignedRequest struct {
	URL string
}

type s3Presigner struct {
	client *s3.PresignClient
}

func (p s3Presigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// Publisher uploads finished archives to S3 and hands out time-limited
// download links.
type Publisher struct {
	bucket    string
	prefix    string
	expiry    time.Duration
	client    objectPutter
	presigner objectPresigner
	logger    *zap.SugaredLogger
}

// NewS3Publisher builds a publisher from the default AWS credential chain
func NewS3Publisher(ctx context.Context, bucket, prefix string, expiry time.Duration, log *zap.SugaredLogger) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newPublisher(bucket, prefix, expiry, client, s3Presigner{client: s3.NewPresignClient(client)}, log), nil
}

func newPublisher(bucket, prefix string, expiry time.Duration, client objectPutter, presigner objectPresigner, log *zap.SugaredLogger) *Publisher {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Publisher{
		bucket:    bucket,
		prefix:    prefix,
		expiry:    expiry,
		client:    client,
		presigner: presigner,
		logger:    logger.OrNop(log),
	}
}

// Publish uploads the archive at localPath and returns a presigned GET URL
func (p *Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	key := path.Join(p.prefix, filepath.Base(localPath))
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive to S3: %w", err)
	}
	p.logger.Infof("Uploaded %s to s3://%s/%s", filepath.Base(localPath), p.bucket, key)

	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return req.URL, nil
}
