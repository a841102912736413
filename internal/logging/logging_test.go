package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStageLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, closer, path, err := NewStageLogger(dir, "merge")
	require.NoError(t, err)

	logger.Info("dataset merged", "dataset", "FishInvSplit")
	require.NoError(t, closer.Close())

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "merge_"))
	assert.True(t, strings.HasSuffix(path, ".log"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dataset merged")
	assert.Contains(t, string(data), "stage=merge")
	assert.Contains(t, string(data), "dataset=FishInvSplit")
}
