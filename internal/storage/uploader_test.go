package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/config"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000IHDR")

func newTestUploader(t *testing.T, putter *fakePutter) *Uploader {
	t.Helper()
	u, err := NewUploader(Config{
		Region: "eu-central-1", AccessKey: "ak", SecretKey: "sk", Bucket: "videos",
		PublicBaseURL: "https://cdn.example.com/", Prefix: "/inputs/",
	})
	require.NoError(t, err)
	u.client = putter
	u.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return u
}

func TestUploadImage(t *testing.T) {
	putter := &fakePutter{}
	u := newTestUploader(t, putter)

	url, err := u.UploadImage(context.Background(), 42, pngHeader)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/inputs/2026/03/01/42/"), url)
	assert.True(t, strings.HasSuffix(url, ".png"), url)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "videos", aws.ToString(in.Bucket))
	assert.Equal(t, "image/png", aws.ToString(in.ContentType))
	assert.Equal(t, strings.TrimPrefix(url, "https://cdn.example.com/"), aws.ToString(in.Key))
	assert.Equal(t, pngHeader, putter.bodies[0])
}

func TestUploadImageRejects(t *testing.T) {
	u := newTestUploader(t, &fakePutter{})
	ctx := context.Background()

	_, err := u.UploadImage(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = u.UploadImage(ctx, 1, []byte("plain text, not a picture"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	big := make([]byte, MaxImageBytes+1)
	copy(big, pngHeader)
	_, err = u.UploadImage(ctx, 1, big)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestUploadImageWrapsS3Errors(t *testing.T) {
	u := newTestUploader(t, &fakePutter{err: errors.New("access denied")})
	_, err := u.UploadImage(context.Background(), 1, []byte("\xff\xd8\xff\xe0jpeg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload to s3")
}

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(Config{})
	assert.Error(t, err)

	u, err := NewUploader(ConfigFrom(config.Config{
		S3Region: "r", S3AccessKey: "a", S3SecretKey: "s", S3Bucket: "b", S3PublicBaseURL: "https://x",
	}))
	require.NoError(t, err)
	assert.Equal(t, "inputs", u.cfg.Prefix)
}
