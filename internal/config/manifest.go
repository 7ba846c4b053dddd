package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleet/internal/instance"
)

// Manifest describes a fleet to start: root instances with nested children.
type Manifest struct {
	Instances []ManifestEntry `json:"instances" yaml:"instances"`
}

// ManifestEntry is a spawn config plus the children to start under it.
// Parents are implied by nesting, so parent_id is only allowed on roots.
type ManifestEntry struct {
	instance.SpawnConfig `yaml:",inline"`
	Children             []ManifestEntry `json:"children,omitempty" yaml:"children,omitempty"`
}

func LoadManifest(path string) (Manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return DecodeManifest(payload)
}

// DecodeManifest strictly decodes and validates a YAML manifest.
func DecodeManifest(payload []byte) (Manifest, error) {
	var manifest Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("%w: decode manifest: %w", instance.ErrInvalidConfig, err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func (m Manifest) Validate() error {
	var problems []error
	var walk func(entries []ManifestEntry, path string, nested bool)
	walk = func(entries []ManifestEntry, path string, nested bool) {
		for i, entry := range entries {
			at := fmt.Sprintf("%s[%d]", path, i)
			if entry.Name != "" {
				at = fmt.Sprintf("%s(%s)", at, entry.Name)
			}
			if err := entry.SpawnConfig.Validate(); err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", at, err))
			}
			if nested && entry.ParentID != "" {
				problems = append(problems, fmt.Errorf("%s: parent_id is implied by nesting", at))
			}
			walk(entry.Children, at+".children", true)
		}
	}
	walk(m.Instances, "instances", false)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", instance.ErrInvalidConfig, errors.Join(problems...))
}

// Count returns the number of instances the manifest starts.
func (m Manifest) Count() int {
	var count func(entries []ManifestEntry) int
	count = func(entries []ManifestEntry) int {
		total := len(entries)
		for _, entry := range entries {
			total += count(entry.Children)
		}
		return total
	}
	return count(m.Instances)
}
