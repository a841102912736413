package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	DataConfigFile = "data.yaml"

	TrainImages = "train/images"
	ValImages   = "valid/images"
	TestImages  = "test/images"
)

var Splits = []string{"train", "valid", "test"}

var ErrNoDataConfig = errors.New("data.yaml not found")

// DataConfig is a data.yaml document. It is kept as an ordered map so that keys
// we do not touch survive a rewrite in their original position.
type DataConfig struct {
	items yaml.MapSlice
}

func ReadDataConfig(path string) (*DataConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDataConfig, path)
		}
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return ParseDataConfig(data)
}

func ParseDataConfig(data []byte) (*DataConfig, error) {
	var items yaml.MapSlice
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("error parsing data config: %w", err)
	}
	return &DataConfig{items: items}, nil
}

func (c *DataConfig) Get(key string) (interface{}, bool) {
	for _, item := range c.items {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of key in place, or appends it when absent.
func (c *DataConfig) Set(key string, value interface{}) {
	for i, item := range c.items {
		if k, ok := item.Key.(string); ok && k == key {
			c.items[i].Value = value
			return
		}
	}
	c.items = append(c.items, yaml.MapItem{Key: key, Value: value})
}

// Names returns the class names. Both the list form and the {id: name} map form
// of the names key are accepted.
func (c *DataConfig) Names() ([]string, error) {
	raw, ok := c.Get("names")
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, n := range v {
			names = append(names, fmt.Sprint(n))
		}
		return names, nil
	case yaml.MapSlice:
		names := make([]string, len(v))
		for _, item := range v {
			id, ok := item.Key.(int)
			if !ok || id < 0 || id >= len(v) {
				return nil, fmt.Errorf("invalid class id %v in names", item.Key)
			}
			names[id] = fmt.Sprint(item.Value)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("unsupported names type %T", raw)
	}
}

func (c *DataConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c.items)
}

func (c *DataConfig) Write(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// RewriteSplitPaths points the config at datasetRelPath with the standard
// split layout. All other keys keep their value and order.
func (c *DataConfig) RewriteSplitPaths(datasetRelPath string) {
	c.Set("path", datasetRelPath)
	c.Set("train", TrainImages)
	c.Set("val", ValImages)
	c.Set("test", TestImages)
}

// ReadNames loads the class names of the dataset in dir.
func ReadNames(dir string) ([]string, error) {
	cfg, err := ReadDataConfig(filepath.Join(dir, DataConfigFile))
	if err != nil {
		return nil, err
	}
	return cfg.Names()
}

// WriteUnifiedConfig writes the data.yaml of a merged dataset with the key
// order path, train, val, test, nc, names.
func WriteUnifiedConfig(path, datasetRelPath string, names []string) error {
	cfg := &DataConfig{items: yaml.MapSlice{
		{Key: "path", Value: datasetRelPath},
		{Key: "train", Value: TrainImages},
		{Key: "val", Value: ValImages},
		{Key: "test", Value: TestImages},
		{Key: "nc", Value: len(names)},
		{Key: "names", Value: names},
	}}
	return cfg.Write(path)
}
