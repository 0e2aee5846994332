//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/wpress/transport"
)

const (
	minioUser     = "wpress"
	minioPassword = "wpress-secret"
	testBucket    = "archives"
)

// --- MinIO Container Setup ---

var (
	minioOnce     sync.Once
	minioEndpoint string
	minioErr      error
)

// getMinIO returns the shared MinIO endpoint, starting the container if needed.
// The container is shared across all tests for performance.
func getMinIO(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	minioOnce.Do(func() {
		ctx := context.Background()
		minioEndpoint, minioErr = startMinIOContainer(ctx)
		if minioErr == nil {
			minioErr = createBucket(ctx, minioEndpoint)
		}
	})

	if minioErr != nil {
		tb.Fatalf("start minio container: %v", minioErr)
	}

	return minioEndpoint
}

// startMinIOContainer starts a MinIO server and returns its endpoint URL.
func startMinIOContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start minio container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve minio host: %w", err)
	}

	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve minio port: %w", err)
	}

	return fmt.Sprintf("http://%s:%s", host, port.Port()), nil
}

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// ociLocation generates a unique registry location for a test.
func ociLocation(registry, tag string) string {
	return fmt.Sprintf("oci://%s/wpress/sites:%s", registry, tag)
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

func s3Config(endpoint string) transport.S3Config {
	return transport.S3Config{
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: minioUser,
		SecretKey: minioPassword,
		PathStyle: true,
	}
}

func createBucket(ctx context.Context, endpoint string) error {
	client, err := transport.NewS3Client(ctx, s3Config(endpoint))
	if err != nil {
		return err
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(testBucket)})
	return err
}

// transportOptions returns options that route s3:// locations to MinIO.
func transportOptions(endpoint string) []transport.Option {
	return []transport.Option{transport.WithS3Config(s3Config(endpoint))}
}

// testLocation generates a unique object location for a test.
func testLocation(testName, suffix string) string {
	return fmt.Sprintf("s3://%s/%s/site.wpress%s", testBucket, testName, suffix)
}

// --- Test Data Helpers ---

// makeRandomContent creates random binary content.
func makeRandomContent(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	result := make([]byte, 0, size)
	for len(result) < size {
		result = append(result, pattern...)
	}
	return result[:size]
}

// nestedTree contains nested directories.
var nestedTree = map[string][]byte{
	"index.php":                     []byte("<?php require 'wp-blog-header.php';"),
	"wp-content/themes/x/style.css": makeCompressibleContent(64 * 1024),
	"wp-content/uploads/photo.jpg":  makeRandomContent(256 * 1024),
	"wp-content/uploads/empty.txt":  {},
	"wp-config.php":                 []byte("<?php define('DB_NAME', 'wp');"),
}

// requireContext returns a context bound to the test.
func requireContext(tb testing.TB) context.Context {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}
