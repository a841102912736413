package download

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrBadZip         = errors.New("file is corrupted or not a valid zip")
	ErrFolderNotFound = errors.New("dataset folder not found inside zip")
)

// Extract unpacks zipPath into a temporary directory under unzippedDir, finds
// the directory called folderName inside it and moves that directory to
// <unzippedDir>/<folderName>. The temporary directory is always removed.
func Extract(zipPath, unzippedDir, folderName string, logger *slog.Logger) error {
	finalPath := filepath.Join(unzippedDir, folderName)
	tempDir := filepath.Join(unzippedDir, "__temp_"+filepath.Base(zipPath))

	defer func() {
		if _, err := os.Stat(tempDir); err == nil {
			logger.Info("cleaning temporary directory", "dir", tempDir)
			if err := os.RemoveAll(tempDir); err != nil {
				logger.Warn("unable to remove temporary directory", "dir", tempDir, "error", err)
			}
		}
	}()

	logger.Info("extracting archive", "zip", filepath.Base(zipPath), "temp_dir", tempDir)
	if err := unzip(zipPath, tempDir); err != nil {
		return err
	}

	found, ok := findFolder(tempDir, folderName)
	if !ok {
		found, ok = fallbackFolder(tempDir)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, folderName)
	}
	logger.Info("dataset folder found", "path", found)

	if err := os.Rename(found, finalPath); err != nil {
		return fmt.Errorf("error moving dataset folder to %s: %w", finalPath, err)
	}
	logger.Info("dataset organized", "path", finalPath)
	return nil
}

func unzip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrInsecurePath) {
			return fmt.Errorf("%w: %s: %v", ErrBadZip, filepath.Base(zipPath), err)
		}
		return fmt.Errorf("error opening zip %s: %w", zipPath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return fmt.Errorf("error creating extraction dir: %w", err)
	}

	prefix := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, prefix) {
			return fmt.Errorf("%w: illegal entry path %s", ErrBadZip, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return fmt.Errorf("error creating dir %s: %w", target, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return fmt.Errorf("error creating dir for %s: %w", target, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadZip, f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		if errors.Is(err, zip.ErrChecksum) {
			return fmt.Errorf("%w: %s: %v", ErrBadZip, f.Name, err)
		}
		return fmt.Errorf("error extracting %s: %w", f.Name, err)
	}
	return nil
}

// findFolder searches dir top-down: the children of a directory are checked
// before descending into them.
func findFolder(dir, name string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() == name {
			return filepath.Join(dir, e.Name()), true
		}
	}
	for _, e := range entries {
		if e.IsDir() {
			if found, ok := findFolder(filepath.Join(dir, e.Name()), name); ok {
				return found, true
			}
		}
	}
	return "", false
}

// fallbackFolder accepts archives whose dataset folder has a different name:
// a single top-level directory holding a data.yaml, or a flat archive with
// data.yaml at its root.
func fallbackFolder(tempDir string) (string, bool) {
	if _, err := os.Stat(filepath.Join(tempDir, "data.yaml")); err == nil {
		return tempDir, true
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return "", false
	}
	candidate := filepath.Join(tempDir, entries[0].Name())
	if _, err := os.Stat(filepath.Join(candidate, "data.yaml")); err != nil {
		return "", false
	}
	return candidate, true
}
