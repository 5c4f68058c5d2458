package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Format is a job file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the encoding from the file extension; anything that is
// not .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and decodes the job file at path.
func Load(path string) (Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	j, err := Parse(b, FormatFromPath(path))
	if err != nil {
		return Job{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return j, nil
}

// Parse decodes a job document. Unknown fields are rejected so that typos do
// not silently fall back to defaults.
func Parse(b []byte, f Format) (Job, error) {
	var j Job
	switch f {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&j); err != nil && !errors.Is(err, io.EOF) {
			return Job{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&j); err != nil {
			return Job{}, fmt.Errorf("decode json: %w", err)
		}
	default:
		return Job{}, fmt.Errorf("unknown format %q", f)
	}
	if j.Storage.Options == nil {
		j.Storage.Options = Options{}
	}
	return j, nil
}
