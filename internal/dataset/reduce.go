package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Reducer struct {
	Factor float64
	Rand   *rand.Rand
	Logger *slog.Logger
}

func NewReducer(factor float64, seed int64, logger *slog.Logger) *Reducer {
	return &Reducer{Factor: factor, Rand: rand.New(rand.NewSource(seed)), Logger: logger}
}

type SplitReduction struct {
	Dataset       string
	Split         string
	Original      int
	Target        int
	Kept          int
	ImagesDeleted int
	LabelsDeleted int
}

// ClassMap maps every class id found in labelsDir to the base names of the
// label files that contain it. Lines that do not start with an integer are
// ignored.
func ClassMap(labelsDir string) (map[int]map[string]struct{}, error) {
	classes := make(map[int]map[string]struct{})

	entries, err := os.ReadDir(labelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return classes, nil
		}
		return nil, fmt.Errorf("error reading labels dir %s: %w", labelsDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".txt")

		f, err := os.Open(filepath.Join(labelsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("error opening label file: %w", err)
		}
		err = eachLine(f, func(line string) error {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				return nil
			}
			id, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil
			}
			if classes[id] == nil {
				classes[id] = make(map[string]struct{})
			}
			classes[id][base] = struct{}{}
			return nil
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading label file %s: %w", entry.Name(), err)
		}
	}
	return classes, nil
}

func (r *Reducer) target(n int) int {
	return max(1, int(float64(n)*r.Factor))
}

// selectKeep picks the base names to keep: one random file for every class,
// then random files up to target. With no annotations it samples randomly.
func (r *Reducer) selectKeep(bases []string, classes map[int]map[string]struct{}, target int) map[string]struct{} {
	keep := make(map[string]struct{})

	if len(classes) == 0 {
		perm := r.Rand.Perm(len(bases))
		for _, i := range perm[:min(target, len(bases))] {
			keep[bases[i]] = struct{}{}
		}
		return keep
	}

	classIds := make([]int, 0, len(classes))
	for id := range classes {
		classIds = append(classIds, id)
	}
	sort.Ints(classIds)

	for _, id := range classIds {
		files := make([]string, 0, len(classes[id]))
		for f := range classes[id] {
			files = append(files, f)
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		keep[files[r.Rand.Intn(len(files))]] = struct{}{}
	}

	var pool []string
	for _, b := range bases {
		if _, ok := keep[b]; !ok {
			pool = append(pool, b)
		}
	}

	if toAdd := target - len(keep); toAdd > 0 && len(pool) > 0 {
		perm := r.Rand.Perm(len(pool))
		for _, i := range perm[:min(toAdd, len(pool))] {
			keep[pool[i]] = struct{}{}
		}
	}
	return keep
}

// ReduceSplit deletes images and labels of one split that were not selected.
// A split without images or labels directory is skipped.
func (r *Reducer) ReduceSplit(datasetDir, split string) (*SplitReduction, error) {
	imagesDir := filepath.Join(datasetDir, split, "images")
	labelsDir := filepath.Join(datasetDir, split, "labels")
	logger := r.Logger.With("dataset", filepath.Base(datasetDir), "split", split)

	for _, dir := range []string{imagesDir, labelsDir} {
		if _, err := os.Stat(dir); err != nil {
			logger.Warn("split not found or incomplete, skipping")
			return nil, nil
		}
	}

	images, err := ListImages(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("error listing images: %w", err)
	}
	if len(images) == 0 {
		logger.Info("split has no images, skipping")
		return nil, nil
	}

	baseToImage := make(map[string]string, len(images))
	bases := make([]string, 0, len(images))
	for _, img := range images {
		base := strings.TrimSuffix(img, filepath.Ext(img))
		if _, ok := baseToImage[base]; ok {
			continue
		}
		baseToImage[base] = img
		bases = append(bases, base)
	}

	res := &SplitReduction{
		Dataset:  filepath.Base(datasetDir),
		Split:    split,
		Original: len(images),
		Target:   r.target(len(images)),
	}
	logger.Info("reducing split", "images", res.Original, "target", res.Target)

	classes, err := ClassMap(labelsDir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		logger.Warn("no annotations found, using simple random sampling")
	}

	keep := r.selectKeep(bases, classes, res.Target)

	for _, base := range bases {
		if _, ok := keep[base]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(imagesDir, baseToImage[base])); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error removing image: %w", err)
		}
		res.ImagesDeleted++

		labelPath := filepath.Join(labelsDir, base+".txt")
		if err := os.Remove(labelPath); err == nil {
			res.LabelsDeleted++
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error removing label: %w", err)
		}
	}

	res.Kept = res.Original - res.ImagesDeleted
	logger.Info("split reduced", "images_deleted", res.ImagesDeleted, "labels_deleted", res.LabelsDeleted, "kept", res.Kept)
	return res, nil
}

// ReduceAll reduces every dataset under unzippedDir in place. Datasets without
// a data.yaml are skipped.
func (r *Reducer) ReduceAll(ctx context.Context, unzippedDir string) ([]SplitReduction, error) {
	entries, err := os.ReadDir(unzippedDir)
	if err != nil {
		return nil, fmt.Errorf("error reading datasets dir %s: %w", unzippedDir, err)
	}

	r.Logger.Warn("datasets are modified in place", "factor", r.Factor)

	var results []SplitReduction
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		dir := filepath.Join(unzippedDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, DataConfigFile)); err != nil {
			r.Logger.Warn("data.yaml not found, skipping directory", "dataset", entry.Name())
			continue
		}

		for _, split := range Splits {
			res, err := r.ReduceSplit(dir, split)
			if err != nil {
				return results, fmt.Errorf("error reducing %s/%s: %w", entry.Name(), split, err)
			}
			if res != nil {
				results = append(results, *res)
			}
		}
	}
	return results, nil
}
