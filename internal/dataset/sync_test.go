package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"marine-detect/internal/config"
	"marine-detect/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncConfigs(t *testing.T) {
	paths := config.NewPaths(t.TempDir())

	writeFile(t, filepath.Join(paths.YAMLRepo, "FishInvSplit.yaml"), "train: ../train/images\nval: ../valid/images\nnc: 2\nnames: [fish, starfish]\nroboflow:\n  version: 3\n")
	writeFile(t, filepath.Join(paths.YAMLRepo, "missing.yaml"), "names: [a]\n")
	writeFile(t, filepath.Join(paths.YAMLRepo, "broken.yaml"), "names: [a\n")
	writeFile(t, filepath.Join(paths.YAMLRepo, "README.md"), "not yaml")
	require.NoError(t, os.MkdirAll(filepath.Join(paths.Unzipped, "FishInvSplit"), os.ModePerm))
	require.NoError(t, os.MkdirAll(filepath.Join(paths.Unzipped, "broken"), os.ModePerm))

	result, err := SyncConfigs(paths.YAMLRepo, paths.Unzipped, paths.Root, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Synced: 1, Skipped: 1, Errors: 1}, result)

	data, err := os.ReadFile(filepath.Join(paths.Unzipped, "FishInvSplit", "data.yaml"))
	require.NoError(t, err)
	assert.Equal(t, `train: train/images
val: valid/images
nc: 2
names:
- fish
- starfish
roboflow:
  version: 3
path: data/dataset_descompactado/FishInvSplit
test: test/images
`, string(data))

	result, err = SyncConfigs(paths.YAMLRepo, paths.Unzipped, paths.Root, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{UpToDate: 1, Skipped: 1, Errors: 1}, result)
}

func TestSyncConfigsMissingRepo(t *testing.T) {
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, os.MkdirAll(paths.Unzipped, os.ModePerm))

	_, err := SyncConfigs(paths.YAMLRepo, paths.Unzipped, paths.Root, logging.Discard())
	assert.Error(t, err)
}

func TestDataConfigNames(t *testing.T) {
	cfg, err := ParseDataConfig([]byte("names: [Fish, ray]\n"))
	require.NoError(t, err)
	names, err := cfg.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"Fish", "ray"}, names)

	cfg, err = ParseDataConfig([]byte("nc: 0\n"))
	require.NoError(t, err)
	names, err = cfg.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadNamesMissingConfig(t *testing.T) {
	_, err := ReadNames(t.TempDir())
	assert.ErrorIs(t, err, ErrNoDataConfig)
}
