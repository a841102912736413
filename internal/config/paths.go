package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths is the directory layout shared by every pipeline stage.
type Paths struct {
	Root        string
	Data        string
	Downloads   string
	Unzipped    string
	YAMLRepo    string
	Output      string
	Logs        string
	Runs        string
	Reports     string
	Evaluations string
}

func NewPaths(root string) Paths {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	data := filepath.Join(root, "data")
	output := filepath.Join(root, "output")

	return Paths{
		Root:        root,
		Data:        data,
		Downloads:   filepath.Join(data, "downloads"),
		Unzipped:    filepath.Join(data, "dataset_descompactado"),
		YAMLRepo:    filepath.Join(root, "yamlRepositorio"),
		Output:      output,
		Logs:        filepath.Join(output, "logs"),
		Runs:        filepath.Join(output, "runs", "detect"),
		Reports:     filepath.Join(output, "reports"),
		Evaluations: filepath.Join(output, "evaluations"),
	}
}

// CreateProjectStructure makes sure every directory the stages write to exists.
func (p Paths) CreateProjectStructure() error {
	for _, dir := range []string{p.Downloads, p.Unzipped, p.Logs, p.Runs, p.Reports, p.Evaluations} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}
	slog.Info("project structure ready", "root", p.Root)
	return nil
}

// Rel returns path relative to the project root using forward slashes, which is
// the form the detection framework expects inside data.yaml files.
func (p Paths) Rel(path string) (string, error) {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return "", fmt.Errorf("error making %s relative to %s: %w", path, p.Root, err)
	}
	return filepath.ToSlash(rel), nil
}
