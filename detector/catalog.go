package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ModelExtensions are the weight file types listed by the catalog.
var ModelExtensions = []string{".pt", ".onnx"}

// Catalog lists the model files in a directory.
type Catalog struct {
	dir          string
	defaultModel string
}

// NewCatalog creates a catalog over dir.
func NewCatalog(dir, defaultModel string) *Catalog {
	return &Catalog{dir: dir, defaultModel: defaultModel}
}

// Dir returns the model directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// EnsureDir creates the model directory if needed.
func (c *Catalog) EnsureDir() error {
	if c.dir == "" {
		return nil
	}
	return os.MkdirAll(c.dir, 0755)
}

// Available returns the sorted model file names. A missing directory is empty.
func (c *Catalog) Available() []string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range ModelExtensions {
			if ext == want {
				names = append(names, e.Name())
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Default returns the configured default model when present, else the first
// available model. With an empty catalog the configured name is returned and
// served by the simulated detector.
func (c *Catalog) Default() string {
	models := c.Available()
	for _, m := range models {
		if m == c.defaultModel {
			return m
		}
	}
	if len(models) > 0 {
		return models[0]
	}
	return c.defaultModel
}

// Resolve maps a request's model selector onto a catalog entry. An empty
// selector means the default model.
func (c *Catalog) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return c.Default(), nil
	}
	models := c.Available()
	if len(models) == 0 && name == c.defaultModel {
		return name, nil
	}
	for _, m := range models {
		if m == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrModelNotFound, name)
}
