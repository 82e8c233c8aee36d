//go:build integration

package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/retry"
	"github.com/kenneth/vault-transfer/internal/segment"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/transfer"
)

const (
	minioUser   = "minioadmin"
	minioSecret = "minioadmin"
	minioBucket = "vault-transfer-test"
)

// startMinIO runs a throwaway MinIO container and returns its endpoint.
func startMinIO(t *testing.T) string {
	t.Helper()
	if err := exec.Command("docker", "version").Run(); err != nil {
		t.Skip("Docker not available, skipping MinIO integration test")
	}

	name := fmt.Sprintf("vault-transfer-minio-%d", time.Now().UnixNano())
	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", "127.0.0.1:19000:9000",
		"-e", "MINIO_ROOT_USER="+minioUser,
		"-e", "MINIO_ROOT_PASSWORD="+minioSecret,
		"--name", name,
		"minio/minio:latest", "server", "/data",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to start MinIO: %v: %s", err, out)
	}
	t.Cleanup(func() { _ = exec.Command("docker", "stop", name).Run() })

	endpoint := "http://127.0.0.1:19000"
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(endpoint + "/minio/health/live")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return endpoint
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("timeout waiting for MinIO")
	return ""
}

func newMinIOBackend(t *testing.T) *Backend {
	t.Helper()
	logger, _ := test.NewNullLogger()
	endpoint := startMinIO(t)

	b, err := NewClient(context.Background(), &config.BackendConfig{
		Endpoint:     endpoint,
		Region:       "us-east-1",
		AccessKey:    minioUser,
		SecretKey:    minioSecret,
		UsePathStyle: true,
	}, logger, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	client := b.api.(*s3.Client)
	_, err = client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(minioBucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		t.Fatalf("failed to create bucket: %v", err)
	}
	return b
}

func TestMinIO_EncryptedSegmentedRoundTrip(t *testing.T) {
	b := newMinIOBackend(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	session, err := transfer.New(b, transfer.Options{
		Vaults: []config.VaultConfig{{Root: minioBucket + "/secret", Passphrase: "integration", Create: true}},
		Segments: segment.Options{
			Threshold:      1 << 20,
			SegmentSize:    1 << 20,
			MinSegmentSize: 1 << 20,
			Retry:          retry.DefaultPolicy(),
		},
		KDF: crypto.KDFParams{N: 1024, R: 8, P: 1},
	}, logger, nil)
	require.NoError(t, err)
	defer session.Close()

	data := make([]byte, 5<<19)
	_, err = rand.Read(data)
	require.NoError(t, err)

	p := storage.Path{Container: minioBucket, Key: "secret/large.bin"}
	_, err = session.Upload(ctx, p, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	segments, err := session.Segments(ctx, p)
	require.NoError(t, err)
	assert.Len(t, segments, 3)
	for _, s := range segments {
		assert.False(t, s.ModTime.IsZero(), "segment %s has no modification time", s.Path)
	}

	attrs, err := session.Stat(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), attrs.Size)

	var buf bytes.Buffer
	_, err = session.Download(ctx, p, &buf, 0, storage.UnknownLength)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, buf.Bytes()), "downloaded content differs")

	require.NoError(t, session.Delete(ctx, p))
	entries, err := b.List(ctx, storage.Path{Container: minioBucket, Key: "secret/"})
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "secret/vault.json", e.Path.Key)
	}
}
