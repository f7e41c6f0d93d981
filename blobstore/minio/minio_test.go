package minio

import (
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/blobstore"
)

// Integration test; needs a reachable MinIO instance.
func TestStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("STRATA_MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("minio client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	bucket := "strata-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	s := New(client, bucket, "it")
	require.NoError(t, s.Put(ctx, "seg/1/delta.bin", []byte("payload")))
	t.Cleanup(func() { _ = s.Delete(ctx, "seg/1/delta.bin") })

	got, err := s.Get(ctx, "seg/1/delta.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	names, err := s.List(ctx, "seg/")
	require.NoError(t, err)
	assert.Contains(t, names, "seg/1/delta.bin")

	require.NoError(t, s.Delete(ctx, "seg/1/delta.bin"))
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
