package dataset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"marine-detect/internal/config"
	"marine-detect/internal/metrics"
)

const UnifiedDatasetName = "unificacaoDosOceanos"

// DefaultMergeMap folds synonymous class names into one canonical name.
var DefaultMergeMap = map[string]string{
	"stingray": "ray",
}

const minLabelTokens = 5

type DropReason string

const (
	DropMalformed    DropReason = "malformed"
	DropUnknownClass DropReason = "unknown_class"
)

type LineStats struct {
	LinesIn  int
	LinesOut int
	Dropped  map[DropReason]int
}

func (s *LineStats) add(other LineStats) {
	s.LinesIn += other.LinesIn
	s.LinesOut += other.LinesOut
	for reason, n := range other.Dropped {
		if s.Dropped == nil {
			s.Dropped = make(map[DropReason]int)
		}
		s.Dropped[reason] += n
	}
}

func (s LineStats) TotalDropped() int {
	total := 0
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// CanonicalName lowercases and trims name, then applies the merge rule. The
// second return value reports whether a rule was applied.
func CanonicalName(name string, mergeMap map[string]string) (string, bool) {
	processed := strings.ToLower(strings.TrimSpace(name))
	if merged, ok := mergeMap[processed]; ok && merged != processed {
		return merged, true
	}
	return processed, false
}

// BuildLocalMap maps each local class id of a dataset to its canonical name.
func BuildLocalMap(names []string, mergeMap map[string]string, logger *slog.Logger) map[int]string {
	local := make(map[int]string, len(names))
	for i, name := range names {
		canonical, merged := CanonicalName(name, mergeMap)
		if merged {
			logger.Info("class merge rule applied", "from", strings.ToLower(strings.TrimSpace(name)), "to", canonical)
		}
		local[i] = canonical
	}
	return local
}

// MasterClasses is the sorted, de-duplicated list of canonical names across all
// merged datasets. A class id is its index in Names.
type MasterClasses struct {
	Names []string
	ids   map[string]int
}

func BuildMasterClasses(localMaps ...map[int]string) MasterClasses {
	unique := make(map[string]struct{})
	for _, local := range localMaps {
		for _, name := range local {
			unique[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(unique))
	for name := range unique {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make(map[string]int, len(names))
	for i, name := range names {
		ids[name] = i
	}
	return MasterClasses{Names: names, ids: ids}
}

func (m MasterClasses) ID(name string) (int, bool) {
	id, ok := m.ids[name]
	return id, ok
}

// RemapLabels rewrites every annotation line of src with master class ids.
// Blank lines are ignored. A line with fewer than 5 tokens or a non-integer
// class id is malformed, a line whose class id is not in localMap is unknown;
// both are dropped and reported to onDrop exactly once. For every call
// LinesOut == LinesIn - TotalDropped().
func RemapLabels(src io.Reader, dst io.Writer, localMap map[int]string, master MasterClasses, onDrop func(reason DropReason, lineNo int, line string)) (LineStats, error) {
	stats := LineStats{Dropped: make(map[DropReason]int)}

	drop := func(reason DropReason, lineNo int, line string) {
		stats.Dropped[reason]++
		if onDrop != nil {
			onDrop(reason, lineNo, line)
		}
	}

	w := bufio.NewWriter(dst)
	lineNo := 0
	err := eachLine(src, func(raw string) error {
		lineNo++
		line := strings.TrimSpace(raw)
		parts := strings.Fields(line)
		if len(parts) == 0 {
			return nil
		}
		stats.LinesIn++

		if len(parts) < minLabelTokens {
			drop(DropMalformed, lineNo, line)
			return nil
		}

		oldId, err := strconv.Atoi(parts[0])
		if err != nil {
			drop(DropMalformed, lineNo, line)
			return nil
		}

		name, ok := localMap[oldId]
		if !ok {
			drop(DropUnknownClass, lineNo, line)
			return nil
		}
		newId, ok := master.ID(name)
		if !ok {
			drop(DropUnknownClass, lineNo, line)
			return nil
		}

		if _, err := fmt.Fprintf(w, "%d %s\n", newId, strings.Join(parts[1:], " ")); err != nil {
			return fmt.Errorf("error writing label line: %w", err)
		}
		stats.LinesOut++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("error reading labels: %w", err)
	}
	if err := w.Flush(); err != nil {
		return stats, fmt.Errorf("error flushing labels: %w", err)
	}
	return stats, nil
}

type DatasetStats struct {
	Name       string
	Images     int
	LabelFiles int
	Lines      LineStats
}

type UnifyResult struct {
	Classes  []string
	Datasets []DatasetStats
	Skipped  []string
}

type Unifier struct {
	Paths    config.Paths
	MergeMap map[string]string
	Logger   *slog.Logger
	Metrics  *metrics.PipelineMetrics
}

func NewUnifier(paths config.Paths, logger *slog.Logger, m *metrics.PipelineMetrics) *Unifier {
	return &Unifier{Paths: paths, MergeMap: DefaultMergeMap, Logger: logger, Metrics: m}
}

type sourceDataset struct {
	name     string
	localMap map[int]string
}

func (u *Unifier) unifiedDir() string {
	return filepath.Join(u.Paths.Unzipped, UnifiedDatasetName)
}

// Unify merges every dataset under the unzipped directory into the unified
// dataset, which is recreated from scratch on every call.
func (u *Unifier) Unify(ctx context.Context) (UnifyResult, error) {
	var result UnifyResult

	entries, err := os.ReadDir(u.Paths.Unzipped)
	if err != nil {
		return result, fmt.Errorf("error reading unzipped dataset dir %s: %w", u.Paths.Unzipped, err)
	}

	var sources []sourceDataset
	var localMaps []map[int]string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == UnifiedDatasetName {
			u.Logger.Info("ignoring previous unified dataset", "dir", name)
			continue
		}

		names, err := ReadNames(filepath.Join(u.Paths.Unzipped, name))
		if err != nil {
			if errors.Is(err, ErrNoDataConfig) {
				u.Logger.Warn("data.yaml not found, dataset will be skipped", "dataset", name)
			} else {
				u.Logger.Error("unable to read dataset classes, dataset will be skipped", "dataset", name, "error", err)
			}
			result.Skipped = append(result.Skipped, name)
			continue
		}
		if len(names) == 0 {
			u.Logger.Warn("dataset declares no classes, dataset will be skipped", "dataset", name)
			result.Skipped = append(result.Skipped, name)
			continue
		}

		local := BuildLocalMap(names, u.MergeMap, u.Logger)
		sources = append(sources, sourceDataset{name: name, localMap: local})
		localMaps = append(localMaps, local)
	}

	master := BuildMasterClasses(localMaps...)
	result.Classes = master.Names
	u.Logger.Info("class unification complete", "classes", len(master.Names), "names", master.Names)

	if err := u.createUnifiedStructure(); err != nil {
		return result, err
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		stats := DatasetStats{Name: src.name}
		for _, split := range Splits {
			if err := u.copySplit(src, split, master, &stats); err != nil {
				return result, err
			}
		}
		u.Logger.Info("dataset merged", "dataset", src.name, "images", stats.Images, "label_files", stats.LabelFiles,
			"lines_in", stats.Lines.LinesIn, "lines_out", stats.Lines.LinesOut, "dropped", stats.Lines.TotalDropped())
		result.Datasets = append(result.Datasets, stats)
	}

	rel, err := u.Paths.Rel(u.unifiedDir())
	if err != nil {
		return result, err
	}
	yamlPath := filepath.Join(u.unifiedDir(), DataConfigFile)
	if err := WriteUnifiedConfig(yamlPath, rel, master.Names); err != nil {
		return result, err
	}
	u.Logger.Info("unified data.yaml written", "path", yamlPath, "dataset_path", rel)

	return result, nil
}

func (u *Unifier) createUnifiedStructure() error {
	dir := u.unifiedDir()
	if _, err := os.Stat(dir); err == nil {
		u.Logger.Warn("unified dataset already exists and will be recreated", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("error removing %s: %w", dir, err)
		}
	}
	for _, split := range Splits {
		for _, sub := range []string{"images", "labels"} {
			if err := os.MkdirAll(filepath.Join(dir, split, sub), os.ModePerm); err != nil {
				return fmt.Errorf("error creating unified dataset structure: %w", err)
			}
		}
	}
	return nil
}

func (u *Unifier) copySplit(src sourceDataset, split string, master MasterClasses, stats *DatasetStats) error {
	srcImages := filepath.Join(u.Paths.Unzipped, src.name, split, "images")
	srcLabels := filepath.Join(u.Paths.Unzipped, src.name, split, "labels")
	dstImages := filepath.Join(u.unifiedDir(), split, "images")
	dstLabels := filepath.Join(u.unifiedDir(), split, "labels")

	images, err := ListImages(srcImages)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			u.Logger.Warn("images directory not found, skipping split", "dataset", src.name, "split", split)
			return nil
		}
		return fmt.Errorf("error listing images of %s/%s: %w", src.name, split, err)
	}

	for _, image := range images {
		if err := copyFile(filepath.Join(srcImages, image), filepath.Join(dstImages, src.name+"_"+image)); err != nil {
			return err
		}
		stats.Images++

		base := strings.TrimSuffix(image, filepath.Ext(image))
		labelPath := filepath.Join(srcLabels, base+".txt")
		if _, err := os.Stat(labelPath); err != nil {
			continue
		}

		lines, err := u.remapFile(src, labelPath, filepath.Join(dstLabels, src.name+"_"+base+".txt"), master)
		if err != nil {
			return err
		}
		stats.LabelFiles++
		stats.Lines.add(lines)
	}
	return nil
}

func (u *Unifier) remapFile(src sourceDataset, srcPath, dstPath string, master MasterClasses) (LineStats, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return LineStats{}, fmt.Errorf("error opening label file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return LineStats{}, fmt.Errorf("error creating label file: %w", err)
	}
	defer out.Close()

	return RemapLabels(in, out, src.localMap, master, func(reason DropReason, lineNo int, line string) {
		u.Logger.Warn("annotation line dropped", "file", srcPath, "line_no", lineNo, "reason", reason, "line", line)
		u.Metrics.RecordDroppedLine(src.name, string(reason))
	})
}
