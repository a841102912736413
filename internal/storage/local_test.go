package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestProvider(t *testing.T) (*LocalProvider, string) {
	t.Helper()
	dir := t.TempDir()
	provider, err := NewLocalProvider(dir)
	require.NoError(t, err)
	return provider, dir
}

func TestLocalProvider_PutObject(t *testing.T) {
	provider, baseDir := setupTestProvider(t)

	content := []byte("nome_run;status")
	err := provider.PutObject(context.Background(), "reports", "run-1/metrics.txt", bytes.NewReader(content))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, "reports", "run-1", "metrics.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalProvider_HeadAndDownload(t *testing.T) {
	provider, _ := setupTestProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.PutObject(ctx, "datasets", "FishInv-dataset.zip", bytes.NewReader([]byte("zipdata"))))

	obj, err := provider.HeadObject(ctx, "datasets", "FishInv-dataset.zip")
	require.NoError(t, err)
	assert.Equal(t, Object{Name: "FishInv-dataset.zip", Size: 7}, obj)

	_, err = provider.HeadObject(ctx, "datasets", "missing.zip")
	assert.Error(t, err)

	dest := filepath.Join(t.TempDir(), "downloads", "FishInv-dataset.zip")
	require.NoError(t, provider.DownloadObject(ctx, "datasets", "FishInv-dataset.zip", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))
}

func TestLocalProvider_UploadDirAndList(t *testing.T) {
	provider, _ := setupTestProvider(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.csv"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("bb"), 0644))

	require.NoError(t, provider.UploadDir(ctx, "artifacts", "run-1/reports", src))
	require.NoError(t, provider.PutObject(ctx, "artifacts", "run-2/x.txt", bytes.NewReader([]byte("x"))))

	objects, err := provider.ListObjects(ctx, "artifacts", "run-1/")
	require.NoError(t, err)
	assert.Equal(t, []Object{
		{Name: "run-1/reports/a.csv", Size: 1},
		{Name: "run-1/reports/nested/b.txt", Size: 2},
	}, objects)

	count := 0
	for _, err := range provider.IterObjects(ctx, "artifacts", "") {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestLocalProvider_ListMissingBucket(t *testing.T) {
	provider, _ := setupTestProvider(t)

	_, err := provider.ListObjects(context.Background(), "missing", "")
	assert.Error(t, err)
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://marine-datasets/zips/FishInv-dataset.zip")
	require.NoError(t, err)
	assert.Equal(t, "marine-datasets", bucket)
	assert.Equal(t, "zips/FishInv-dataset.zip", key)

	for _, bad := range []string{"https://example.com/a.zip", "s3://bucket-only", "s3:///key"} {
		_, _, err := ParseS3URL(bad)
		assert.Error(t, err, bad)
	}
}
