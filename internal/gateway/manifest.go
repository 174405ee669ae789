package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists the application-shell resources pre-cached at install
// time, plus the offline fallback page served when a navigation fails.
type Manifest struct {
	Version     string   `yaml:"version"`
	Precache    []string `yaml:"precache"`
	OfflinePage string   `yaml:"offline_page"`
}

// LoadManifest reads a precache manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest missing version")
	}
	return m, nil
}
