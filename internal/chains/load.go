// Package chains reads chain definitions from JSON and YAML files.
package chains

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opchain/pkg/schema"
)

// Format is a chain file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// File pairs a parsed chain with its on-disk source.
type File struct {
	Chain *schema.ChainDefinition
	Path  string
}

// FormatOf picks the format from a file extension. Unknown extensions are JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a chain definition. YAML uses the same field names as the
// JSON form.
func Parse(data []byte, format Format) (*schema.ChainDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain definition is empty")
	}
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode chain yaml: %s", err.Error()).WithCause(err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "chain yaml is not representable as JSON: %s", err.Error()).WithCause(err)
		}
		data = converted
	}
	return schema.ChainFromJSON(data)
}

// LoadFile reads and parses a chain file.
func LoadFile(path string) (*schema.ChainDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("chains: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("chains: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chains: read %s: %w", path, err)
	}
	def, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("chains: %s: %w", path, err)
	}
	return def, nil
}

// LoadDir parses every *.json, *.yaml and *.yml file in dir, sorted by
// path. A missing directory yields no chains.
func LoadDir(dir string) ([]File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("chains: read %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !isChainFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Chain: def, Path: filepath.Clean(path)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Marshal encodes a chain in the given format.
func Marshal(def *schema.ChainDefinition, format Format) ([]byte, error) {
	data, err := def.ToJSON()
	if err != nil {
		return nil, err
	}
	if format != FormatYAML {
		return data, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func isChainFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
