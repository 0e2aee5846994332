package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/wpress"
)

var errNotImplemented = errors.New("not implemented")

// fakeS3 stores objects in memory. Only single-part uploads are supported.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) get(in *s3.GetObjectInput) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return data, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, err := f.get(in)
	if err != nil {
		return nil, err
	}
	if rng := aws.ToString(in.Range); rng != "" {
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, err := f.get(&s3.GetObjectInput{Bucket: in.Bucket, Key: in.Key})
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errNotImplemented
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errNotImplemented
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errNotImplemented
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errNotImplemented
}

func TestS3RoundTrip(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"site.wpress", "backups/site.wpress.zst"} {
		t.Run(key, func(t *testing.T) {
			t.Parallel()

			client := newFakeS3()
			loc := "s3://bucket/" + key
			archive := sampleArchive()

			w, err := Create(context.Background(), loc, WithS3Client(client))
			require.NoError(t, err)
			_, err = w.Write(archive)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := Open(context.Background(), loc, WithS3Client(client))
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, archive, got)
		})
	}
}

func TestS3ReaderAt(t *testing.T) {
	t.Parallel()

	client := newFakeS3()
	archive := sampleArchive()
	client.objects["bucket/site.wpress"] = archive

	ra, err := OpenReaderAt(context.Background(), "s3://bucket/site.wpress", WithS3Client(client))
	require.NoError(t, err)
	defer ra.Close()
	assert.Equal(t, int64(len(archive)), ra.Size())

	idx, err := wpress.BuildIndex(ra, ra.Size())
	require.NoError(t, err)
	e, ok := idx.Lookup("sub/b.txt")
	require.True(t, ok)
	content, err := io.ReadAll(idx.Open(e))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 5000), string(content))
}

func TestS3MissingObject(t *testing.T) {
	t.Parallel()

	client := newFakeS3()
	_, err := Open(context.Background(), "s3://bucket/missing.wpress", WithS3Client(client))
	require.ErrorIs(t, err, wpress.ErrSourceUnavailable)

	_, err = OpenReaderAt(context.Background(), "s3://bucket/missing.wpress", WithS3Client(client))
	require.ErrorIs(t, err, wpress.ErrSourceUnavailable)
}

func TestS3AbortCreatesNoObject(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"site.wpress", "site.wpress.zst"} {
		t.Run(key, func(t *testing.T) {
			t.Parallel()

			client := newFakeS3()
			w, err := Create(context.Background(), "s3://bucket/"+key, WithS3Client(client))
			require.NoError(t, err)
			_, err = w.Write(sampleArchive()[:100])
			require.NoError(t, err)

			require.NoError(t, Abort(w, errors.New("pack failed")))

			client.mu.Lock()
			defer client.mu.Unlock()
			assert.Empty(t, client.objects)
		})
	}
}
