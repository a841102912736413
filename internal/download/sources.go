package download

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

type Source struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	ZipName    string `yaml:"zip_name"`
	FolderName string `yaml:"folder_name"`
}

func (s Source) IsS3() bool {
	return strings.HasPrefix(s.URL, "s3://")
}

func (s Source) Validate() error {
	if s.Name == "" || s.URL == "" || s.ZipName == "" || s.FolderName == "" {
		return fmt.Errorf("source '%s' must have name, url, zip_name and folder_name", s.Name)
	}
	if !s.IsS3() && !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("source '%s' has unsupported url scheme: %s", s.Name, s.URL)
	}
	return nil
}

func DefaultSources() []Source {
	return []Source{
		{
			Name:       "Underwater Object Detection",
			URL:        "https://github.com/millercylindricalprojection/UnderwaterObjectDetectionDataset/raw/main/aquarium_pretrain.zip",
			ZipName:    "aquarium_pretrain.zip",
			FolderName: "aquarium_pretrain",
		},
		{
			Name:       "FishInv Dataset",
			URL:        "https://stpubtenakanclyw.blob.core.windows.net/marine-detect/FishInv-dataset.zip",
			ZipName:    "FishInv-dataset.zip",
			FolderName: "FishInvSplit",
		},
	}
}

// LoadSources reads a YAML list of sources. An empty path returns the defaults.
func LoadSources(path string) ([]Source, error) {
	if path == "" {
		return DefaultSources(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset sources file: %w", err)
	}

	var sources []Source
	if err := yaml.UnmarshalStrict(data, &sources); err != nil {
		return nil, fmt.Errorf("error parsing dataset sources file %s: %w", path, err)
	}

	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	return sources, nil
}
