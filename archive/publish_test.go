package archive

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	key  string
	body []byte
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &PresignedRequest{URL: "https://bucket.test/" + aws.ToString(in.Key) + "?sig"}, nil
}

func TestPublisher_Publish(t *testing.T) {
	root := t.TempDir()
	paths := writeFiles(t, filepath.Join(root, "job"), "a.pdf")
	zipPath, err := Archive(paths, root, Name("job"))
	require.NoError(t, err)

	client := &fakeS3{}
	presigner := &fakePresigner{}
	p := newPublisher("bucket", "invoices", 15*time.Minute, client, presigner, nil)

	url, err := p.Publish(context.Background(), zipPath)
	require.NoError(t, err)

	assert.Equal(t, "invoices/invoices_job.zip", client.key)
	assert.NotEmpty(t, client.body)
	assert.Equal(t, "https://bucket.test/invoices/invoices_job.zip?sig", url)
	assert.Equal(t, 15*time.Minute, presigner.expires)
}

func TestPublisher_UploadError(t *testing.T) {
	root := t.TempDir()
	zipPath, err := Archive(nil, root, "x.zip")
	require.NoError(t, err)

	p := newPublisher("bucket", "", 0, &fakeS3{err: errors.New("denied")}, &fakePresigner{}, nil)
	_, err = p.Publish(context.Background(), zipPath)
	assert.ErrorContains(t, err, "denied")
}
