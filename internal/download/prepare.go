package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"marine-detect/internal/config"
	"marine-detect/internal/core/utils"
)

type Outcome string

const (
	OutcomePrepared Outcome = "prepared"
	OutcomeExisting Outcome = "existing"
)

type PrepareResult struct {
	Prepared []string
	Existing []string
	Failed   []string
}

type Preparer struct {
	Paths       config.Paths
	Downloader  *Downloader
	Concurrency int
	PreCheck    bool

	// Confirm is asked whether to continue when the pre-check reports
	// unreachable sources. A nil Confirm continues with a warning.
	Confirm func(failed []string) bool

	Logger *slog.Logger
}

var ErrAborted = fmt.Errorf("preparation aborted after failed pre-check")

// Prepare makes every source available as an extracted dataset folder. Sources
// whose folder already exists are left untouched and an existing zip is not
// downloaded again. A failing source is logged and does not stop the others.
func (p *Preparer) Prepare(ctx context.Context, sources []Source) (PrepareResult, error) {
	var result PrepareResult

	for _, dir := range []string{p.Paths.Downloads, p.Paths.Unzipped} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return result, fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}

	if p.PreCheck {
		if failed := p.Downloader.PreCheck(ctx, sources); len(failed) > 0 {
			if p.Confirm != nil && !p.Confirm(failed) {
				p.Logger.Error("user aborted after failed pre-check")
				return result, ErrAborted
			}
			p.Logger.Warn("continuing despite unreachable sources", "unreachable", failed)
		}
	} else {
		p.Logger.Info("source pre-check disabled")
	}

	for task := range utils.RunInPool(ctx, p.prepareSource, sources, p.Concurrency) {
		if task.Error != nil {
			p.Logger.Error("dataset preparation failed, skipping", "source", task.Input.Name, "error", task.Error)
			result.Failed = append(result.Failed, task.Input.Name)
			continue
		}
		switch task.Result {
		case OutcomeExisting:
			result.Existing = append(result.Existing, task.Input.Name)
		default:
			result.Prepared = append(result.Prepared, task.Input.Name)
		}
	}

	p.Logger.Info("data preparation finished", "prepared", len(result.Prepared), "existing", len(result.Existing), "failed", len(result.Failed))
	return result, nil
}

func (p *Preparer) prepareSource(ctx context.Context, src Source) (Outcome, error) {
	finalPath := filepath.Join(p.Paths.Unzipped, src.FolderName)
	if _, err := os.Stat(finalPath); err == nil {
		p.Logger.Info("dataset already exists, skipping", "folder", src.FolderName)
		return OutcomeExisting, nil
	}

	zipPath := filepath.Join(p.Paths.Downloads, src.ZipName)
	if _, err := os.Stat(zipPath); err == nil {
		p.Logger.Info("zip already downloaded, skipping download", "zip", src.ZipName)
	} else if err := p.Downloader.Download(ctx, src, zipPath); err != nil {
		return "", err
	}

	if err := Extract(zipPath, p.Paths.Unzipped, src.FolderName, p.Logger); err != nil {
		return "", err
	}
	return OutcomePrepared, nil
}
