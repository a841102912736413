package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marine-detect/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSplit(t *testing.T, dir string, n int, classOf func(i int) int) {
	t.Helper()
	for i := 0; i < n; i++ {
		writeFile(t, filepath.Join(dir, "images", fmt.Sprintf("img%03d.jpg", i)), "jpg")
		if classOf != nil {
			writeFile(t, filepath.Join(dir, "labels", fmt.Sprintf("img%03d.txt", i)), fmt.Sprintf("%d 0.5 0.5 0.1 0.1\n", classOf(i)))
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "labels"), os.ModePerm))
}

func keptClasses(t *testing.T, labelsDir string) map[int]bool {
	classes, err := ClassMap(labelsDir)
	require.NoError(t, err)
	out := make(map[int]bool)
	for id := range classes {
		out[id] = true
	}
	return out
}

func TestClassMapLongLine(t *testing.T) {
	labels := filepath.Join(t.TempDir(), "labels")
	writeFile(t, filepath.Join(labels, "a.txt"), "3"+strings.Repeat(" 0.25", 20000)+"\n")
	writeFile(t, filepath.Join(labels, "b.txt"), "1 0.5 0.5 0.1 0.1")

	classes, err := ClassMap(labels)
	require.NoError(t, err)
	assert.Equal(t, map[int]map[string]struct{}{
		3: {"a": {}},
		1: {"b": {}},
	}, classes)
}

func TestReduceSplitKeepsEveryClass(t *testing.T) {
	ds := filepath.Join(t.TempDir(), "ds")
	// class 7 appears in a single image only
	makeSplit(t, filepath.Join(ds, "train"), 50, func(i int) int {
		if i == 42 {
			return 7
		}
		return i % 3
	})

	r := NewReducer(0.1, 1, logging.Discard())
	res, err := r.ReduceSplit(ds, "train")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 50, res.Original)
	assert.Equal(t, 5, res.Target)
	assert.Equal(t, 5, res.Kept)
	assert.Equal(t, 45, res.ImagesDeleted)
	assert.Equal(t, 45, res.LabelsDeleted)

	images, err := ListImages(filepath.Join(ds, "train", "images"))
	require.NoError(t, err)
	assert.Len(t, images, 5)

	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 7: true}, keptClasses(t, filepath.Join(ds, "train", "labels")))

	for _, img := range images {
		assert.FileExists(t, filepath.Join(ds, "train", "labels", strings.TrimSuffix(img, ".jpg")+".txt"))
	}
}

func TestReduceSplitMoreClassesThanTarget(t *testing.T) {
	ds := filepath.Join(t.TempDir(), "ds")
	makeSplit(t, filepath.Join(ds, "valid"), 10, func(i int) int { return i % 4 })

	r := NewReducer(0.1, 3, logging.Discard())
	res, err := r.ReduceSplit(ds, "valid")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Target)
	assert.Equal(t, 4, res.Kept)
	assert.Len(t, keptClasses(t, filepath.Join(ds, "valid", "labels")), 4)
}

func TestReduceSplitWithoutAnnotations(t *testing.T) {
	ds := filepath.Join(t.TempDir(), "ds")
	makeSplit(t, filepath.Join(ds, "test"), 30, nil)

	r := NewReducer(0.1, 7, logging.Discard())
	res, err := r.ReduceSplit(ds, "test")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Kept)
	assert.Equal(t, 0, res.LabelsDeleted)
}

func TestReduceSplitSkipsIncomplete(t *testing.T) {
	ds := filepath.Join(t.TempDir(), "ds")
	writeFile(t, filepath.Join(ds, "train", "images", "a.jpg"), "jpg")

	r := NewReducer(0.1, 1, logging.Discard())
	res, err := r.ReduceSplit(ds, "train")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.FileExists(t, filepath.Join(ds, "train", "images", "a.jpg"))
}

func TestReduceAll(t *testing.T) {
	root := t.TempDir()
	withYaml := filepath.Join(root, "with_yaml")
	writeFile(t, filepath.Join(withYaml, "data.yaml"), "names: [fish]\n")
	makeSplit(t, filepath.Join(withYaml, "train"), 20, func(int) int { return 0 })

	withoutYaml := filepath.Join(root, "without_yaml")
	makeSplit(t, filepath.Join(withoutYaml, "train"), 20, func(int) int { return 0 })

	r := NewReducer(0.1, 1, logging.Discard())
	results, err := r.ReduceAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "with_yaml", results[0].Dataset)
	assert.Equal(t, 2, results[0].Kept)

	images, err := ListImages(filepath.Join(withoutYaml, "train", "images"))
	require.NoError(t, err)
	assert.Len(t, images, 20)
}
