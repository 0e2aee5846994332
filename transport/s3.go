package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var errAborted = errors.New("transport: write aborted")

// S3API is the subset of the S3 client used by this package. *s3.Client
// implements it.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config describes how to reach an S3 compatible service. Empty fields
// fall back to the AWS default configuration chain (AWS_REGION,
// AWS_ACCESS_KEY_ID, shared config files and so on).
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// PathStyle forces path-style addressing, which MinIO and most other
	// S3 compatible services need.
	PathStyle bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (c *config) s3API(ctx context.Context) (S3API, error) {
	if c.s3Client != nil {
		return c.s3Client, nil
	}
	client, err := NewS3Client(ctx, c.s3)
	if err != nil {
		return nil, err
	}
	c.s3Client = client
	return client, nil
}

func s3Get(ctx context.Context, client S3API, bucket, key string) (io.ReadCloser, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// s3Writer streams writes into a multipart upload through a pipe.
type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func newS3Writer(ctx context.Context, client S3API, bucket, key string, logger *slog.Logger) *s3Writer {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	uploader := manager.NewUploader(client)

	go func() {
		out, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			err = fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
			_ = pr.CloseWithError(err) //nolint:errcheck // always nil
		} else {
			logger.Debug("uploaded archive", "bucket", bucket, "key", key, "location", out.Location)
		}
		w.done <- err
	}()
	return w
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the stream and waits for the upload to complete.
func (w *s3Writer) Close() error {
	_ = w.pw.Close() //nolint:errcheck // always nil
	return <-w.done
}

// Abort fails the stream with cause. The uploader then aborts the multipart
// upload, so no object is created.
func (w *s3Writer) Abort(cause error) error {
	if cause == nil {
		cause = errAborted
	}
	_ = w.pw.CloseWithError(cause) //nolint:errcheck // always nil
	if err := <-w.done; err == nil {
		return errors.New("transport: s3 upload completed before abort")
	}
	return nil
}

// s3Source reads ranges of an object with ranged GetObject calls.
type s3Source struct {
	ctx    context.Context //nolint:containedctx // io.ReaderAt carries no context
	client S3API
	bucket string
	key    string
	size   int64
}

func newS3Source(ctx context.Context, client S3API, bucket, key string) (*s3Source, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	return &s3Source{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *s3Source) Size() int64 {
	return s.size
}

func (s *s3Source) Close() error {
	return nil
}

func (s *s3Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), s.size) - 1

	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
