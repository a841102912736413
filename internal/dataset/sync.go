package dataset

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type SyncResult struct {
	Synced   int
	UpToDate int
	Skipped  int
	Errors   int
}

// SyncConfigs writes <unzippedDir>/<name>/data.yaml for every <name>.yaml in
// repoDir whose dataset directory exists. The split keys are rewritten to point
// at the dataset relative to root. A target that already has the resulting
// content is left untouched.
func SyncConfigs(repoDir, unzippedDir, root string, logger *slog.Logger) (SyncResult, error) {
	var result SyncResult

	if _, err := os.Stat(repoDir); err != nil {
		return result, fmt.Errorf("yaml repository %s not found: %w", repoDir, err)
	}
	if _, err := os.Stat(unzippedDir); err != nil {
		return result, fmt.Errorf("datasets dir %s not found: %w", unzippedDir, err)
	}

	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return result, fmt.Errorf("error reading yaml repository: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".yaml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		datasetName := strings.TrimSuffix(name, ".yaml")
		targetDir := filepath.Join(unzippedDir, datasetName)
		logger := logger.With("source", name)

		if _, err := os.Stat(targetDir); err != nil {
			logger.Warn("target dataset directory does not exist, skipping", "dir", targetDir)
			result.Skipped++
			continue
		}

		updated, err := syncOne(filepath.Join(repoDir, name), targetDir, root)
		if err != nil {
			logger.Error("failed to sync data.yaml", "error", err)
			result.Errors++
			continue
		}
		if updated {
			logger.Info("data.yaml synced", "target", filepath.Join(targetDir, DataConfigFile))
			result.Synced++
		} else {
			logger.Info("data.yaml already up to date", "target", filepath.Join(targetDir, DataConfigFile))
			result.UpToDate++
		}
	}

	logger.Info("yaml sync finished", "synced", result.Synced, "up_to_date", result.UpToDate, "skipped", result.Skipped, "errors", result.Errors)
	return result, nil
}

func syncOne(sourcePath, targetDir, root string) (bool, error) {
	cfg, err := ReadDataConfig(sourcePath)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(root, targetDir)
	if err != nil {
		return false, fmt.Errorf("error computing dataset path: %w", err)
	}
	cfg.RewriteSplitPaths(filepath.ToSlash(rel))

	data, err := cfg.Marshal()
	if err != nil {
		return false, fmt.Errorf("error encoding data.yaml: %w", err)
	}

	targetPath := filepath.Join(targetDir, DataConfigFile)
	if existing, err := os.ReadFile(targetPath); err == nil {
		if sha256.Sum256(existing) == sha256.Sum256(data) {
			return false, nil
		}
	}

	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return false, fmt.Errorf("error writing %s: %w", targetPath, err)
	}
	return true, nil
}
