package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const ManifestFile = "manifest.yaml"

// Manifest describes the resource a chunk store was planned against.
type Manifest struct {
	URL         string    `yaml:"url"`
	ContentSize int64     `yaml:"content_size"`
	ChunkSize   int64     `yaml:"chunk_size"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Matches reports whether chunks planned for m are still valid for a
// resource of contentSize split into chunkSize pieces.
func (m *Manifest) Matches(contentSize, chunkSize int64) bool {
	return m.ContentSize == contentSize && m.ChunkSize == chunkSize
}

func (s *Store) WriteManifest(m Manifest) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("error encoding manifest: %v", err)
	}
	path := filepath.Join(s.dir, ManifestFile)
	tmp := path + partSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error finalizing manifest: %v", err)
	}
	return nil
}

// ReadManifest loads the manifest; a missing one yields an error matching
// os.ErrNotExist.
func (s *Store) ReadManifest() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding manifest: %w", err)
	}
	return &m, nil
}
